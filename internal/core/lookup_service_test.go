package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"doctorai.vn/medical-consultation/internal/runtime"
	"doctorai.vn/medical-consultation/internal/store"
)

func TestHeuristicClassify(t *testing.T) {
	tests := []struct {
		query       string
		wantMode    string
		wantMedical bool
	}{
		{"thuốc paracetamol dùng thế nào", LookupDrug, true},
		{"uống 500mg mỗi ngày được không", LookupDrug, true},
		{"bệnh tiểu đường có nguy hiểm không", LookupDisease, true},
		{"triệu chứng đau đầu kéo dài", LookupSymptom, true},
		{"cách điều trị hiệu quả", "", true},
		{"kết quả bóng đá tối qua", "", false},
	}
	for _, tt := range tests {
		got := heuristicClassify(tt.query)
		if got.mode != tt.wantMode || got.isMedical != tt.wantMedical {
			t.Errorf("heuristicClassify(%q) = %+v, want mode %q medical %v", tt.query, got, tt.wantMode, tt.wantMedical)
		}
	}
}

func TestApplyLabel(t *testing.T) {
	base := lookupClass{mode: LookupSymptom, isMedical: true}
	tests := []struct {
		label string
		want  lookupClass
	}{
		{"thuốc", lookupClass{mode: LookupDrug, isMedical: true}},
		{"bệnh", lookupClass{mode: LookupDisease, isMedical: true}},
		{"triệu chứng", lookupClass{mode: LookupSymptom, isMedical: true}},
		{"không liên quan", lookupClass{isMedical: false}},
		{"gibberish", base},
		{"", base},
	}
	for _, tt := range tests {
		if got := applyLabel(base, tt.label); got != tt.want {
			t.Errorf("applyLabel(%q) = %+v, want %+v", tt.label, got, tt.want)
		}
	}
}

type lookupFixture struct {
	service *LookupService
	store   *store.SQLiteStore
	modes   *runtime.Controller
}

func newLookupFixture(t *testing.T, dataFiles map[string]string, answer func(ctx context.Context, system, user string) (string, error)) *lookupFixture {
	t.Helper()

	dbStore, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { dbStore.Close() })

	modes, err := runtime.NewController(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	dataDir := t.TempDir()
	for name, content := range dataFiles {
		if err := os.WriteFile(filepath.Join(dataDir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	if answer == nil {
		answer = func(ctx context.Context, system, user string) (string, error) {
			return "generated answer", nil
		}
	}
	service := NewLookupService(dbStore, modes, NewReferenceData(dataDir), nil, answer, nil, zap.NewNop())
	return &lookupFixture{service: service, store: dbStore, modes: modes}
}

func TestLookupNonMedicalRedirects(t *testing.T) {
	f := newLookupFixture(t, nil, nil)

	res := f.service.Lookup(context.Background(), LookupInput{UserID: "alice", Query: "kết quả bóng đá tối qua"})
	if !res.Success {
		t.Fatalf("res = %+v", res)
	}
	if res.Response != lookupNotMedicalMessage {
		t.Fatalf("Response = %q", res.Response)
	}
	if res.RedirectURL != LookupRedirectURL {
		t.Fatalf("RedirectURL = %q, want %q", res.RedirectURL, LookupRedirectURL)
	}
	if res.ConversationID != "" {
		t.Fatal("a redirected query must not be persisted")
	}
}

func TestLookupCuratedDiseaseWinsAndPersists(t *testing.T) {
	f := newLookupFixture(t, map[string]string{"data.json": testCuratedJSON}, func(ctx context.Context, system, user string) (string, error) {
		t.Fatal("generation must not run when curated data matches")
		return "", nil
	})

	res := f.service.Lookup(context.Background(), LookupInput{UserID: "alice", Query: "bệnh sốt xuất huyết"})
	if !res.Success {
		t.Fatalf("res = %+v", res)
	}
	if !strings.HasPrefix(res.Response, "Bệnh: Sốt xuất huyết") {
		t.Fatalf("Response = %q", res.Response)
	}
	if res.ConversationID == "" {
		t.Fatal("curated answers are persisted into a conversation")
	}

	msgs, err := f.store.GetMessages("alice", res.ConversationID, 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Content != "bệnh sốt xuất huyết" || msgs[1].Content != res.Response {
		t.Fatalf("persisted = %+v", msgs)
	}
}

func TestLookupDrugModeSelectsDrugMatch(t *testing.T) {
	f := newLookupFixture(t, map[string]string{"data.json": testCuratedJSON}, nil)

	res := f.service.Lookup(context.Background(), LookupInput{UserID: "alice", Query: "thuốc paracetamol", Mode: LookupDrug})
	if !strings.HasPrefix(res.Response, "Thuốc: Paracetamol") {
		t.Fatalf("Response = %q", res.Response)
	}
	if !strings.Contains(res.Response, "Công dụng: Hạ sốt, giảm đau") {
		t.Fatalf("Response = %q", res.Response)
	}
}

func TestLookupFallsBackToGeneration(t *testing.T) {
	var gotSystem string
	f := newLookupFixture(t, map[string]string{"data.json": testCuratedJSON}, func(ctx context.Context, system, user string) (string, error) {
		gotSystem = system
		return "câu trả lời sinh ra", nil
	})

	res := f.service.Lookup(context.Background(), LookupInput{UserID: "alice", Query: "bệnh lạ chưa ai biết"})
	if res.Response != "câu trả lời sinh ra" {
		t.Fatalf("Response = %q", res.Response)
	}
	if !strings.Contains(gotSystem, lookupSafetyDisclaimer) {
		t.Fatalf("system prompt missing the safety disclaimer: %q", gotSystem)
	}
	if res.ConversationID == "" {
		t.Fatal("generated answers are persisted")
	}
}

func TestLookupGenerationFailureServesStaticGuidance(t *testing.T) {
	f := newLookupFixture(t, nil, func(ctx context.Context, system, user string) (string, error) {
		return "", errors.New("all backends down")
	})

	res := f.service.Lookup(context.Background(), LookupInput{UserID: "alice", Query: "triệu chứng bệnh hiếm gặp"})
	if !res.Success {
		t.Fatalf("res = %+v", res)
	}
	if !strings.Contains(res.Response, lookupSafetyDisclaimer) {
		t.Fatalf("Response = %q, want static guidance", res.Response)
	}
}

type stubForwarder struct {
	out     map[string]any
	err     error
	gotBase string
}

func (f *stubForwarder) HealthLookup(ctx context.Context, baseURL string, body any) (map[string]any, error) {
	f.gotBase = baseURL
	if f.err != nil {
		return nil, f.err
	}
	return f.out, nil
}

func TestLookupGPUTargetForwardsToRemote(t *testing.T) {
	f := newLookupFixture(t, map[string]string{"data.json": testCuratedJSON}, nil)
	target := runtime.TargetGPU
	if _, err := f.service.modes.SetState("alice", runtime.Patch{Target: &target}); err != nil {
		t.Fatal(err)
	}

	forwarder := &stubForwarder{out: map[string]any{
		"success":         true,
		"response":        "câu trả lời từ gpu",
		"conversation_id": "conv-remote",
		"mode":            "gpu",
	}}
	f.service.SetForwarder(forwarder, &fakeSelector{url: "https://gpu.example"})

	res := f.service.Lookup(context.Background(), LookupInput{UserID: "alice", Query: "bệnh sốt xuất huyết"})
	if res.Response != "câu trả lời từ gpu" || res.Mode != runtime.TargetGPU {
		t.Fatalf("res = %+v", res)
	}
	if forwarder.gotBase != "https://gpu.example" {
		t.Fatalf("base = %q", forwarder.gotBase)
	}
}

func TestLookupForwardFailureFallsBackToCurated(t *testing.T) {
	f := newLookupFixture(t, map[string]string{"data.json": testCuratedJSON}, nil)
	target := runtime.TargetGPU
	if _, err := f.service.modes.SetState("alice", runtime.Patch{Target: &target}); err != nil {
		t.Fatal(err)
	}
	f.service.SetForwarder(&stubForwarder{err: errors.New("gpu unreachable")}, &fakeSelector{url: "https://gpu.example"})

	res := f.service.Lookup(context.Background(), LookupInput{UserID: "alice", Query: "bệnh sốt xuất huyết"})
	if !strings.HasPrefix(res.Response, "Bệnh: Sốt xuất huyết") {
		t.Fatalf("res = %+v, want the curated fallback", res)
	}
}

func TestLookupAnonymousUserStillPersists(t *testing.T) {
	f := newLookupFixture(t, map[string]string{"data.json": testCuratedJSON}, nil)

	res := f.service.Lookup(context.Background(), LookupInput{Query: "bệnh cảm cúm"})
	if res.ConversationID == "" {
		t.Fatal("anonymous lookups persist under the anonymous identity")
	}
	msgs, err := f.store.GetMessages("anonymous", res.ConversationID, 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("persisted = %+v", msgs)
	}
}
