package core

import (
	"context"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"doctorai.vn/medical-consultation/internal/registry"
	"doctorai.vn/medical-consultation/internal/runtime"
	"doctorai.vn/medical-consultation/internal/store"
)

// Lookup categories.
const (
	LookupDrug    = "drug"
	LookupDisease = "disease"
	LookupSymptom = "symptom"
)

// LookupRedirectURL is where the client sends the user when a lookup query
// turns out not to be medical.
const LookupRedirectURL = "/tu-van"

var dosageRe = regexp.MustCompile(`\b\d+\s?(mg|ml|mcg|%)\b`)

var (
	drugHints = []string{"thuốc", "viên", "mg", "mcg", "ml", "%", "dạng", "sirô", "siro", "kem", "mỡ", "ống", "chai", "hàm lượng", "liều"}

	diseaseHints = []string{"bệnh", "hội chứng", "viêm", "ung thư", "tiểu đường", "cao huyết áp", "tim mạch", "hen", "suy", "nhiễm", "virus", "vi khuẩn", "vi rút"}

	symptomHints = []string{"triệu chứng", "dấu hiệu", "đau", "nhức", "sốt", "ho", "mệt", "mệt mỏi", "chóng mặt", "buồn nôn", "phát ban", "khó thở", "tiêu chảy", "táo bón", "đau đầu"}

	medicalCtxHints = []string{"chẩn đoán", "điều trị", "phòng ngừa", "tác dụng phụ", "dược", "y khoa", "bác sĩ", "liều dùng"}
)

const lookupLabelPrompt = "Chỉ trả lời một từ: 'thuốc' hoặc 'bệnh' hoặc 'triệu chứng' hoặc 'không liên quan'. Truy vấn: "

// lookupClass is the fused classification of a lookup query.
type lookupClass struct {
	mode      string // drug | disease | symptom | ""
	isMedical bool
}

// heuristicClassify scans for Vietnamese category keywords. Drug beats
// disease beats symptom when several hit.
func heuristicClassify(query string) lookupClass {
	t := strings.ToLower(strings.TrimSpace(query))
	containsAny := func(hints []string) bool {
		for _, h := range hints {
			if strings.Contains(t, h) {
				return true
			}
		}
		return false
	}
	isDrug := containsAny(drugHints) || dosageRe.MatchString(t)
	isDisease := containsAny(diseaseHints)
	isSymptom := containsAny(symptomHints)
	looksMedical := isDrug || isDisease || isSymptom || containsAny(medicalCtxHints)
	switch {
	case isDrug:
		return lookupClass{mode: LookupDrug, isMedical: true}
	case isDisease:
		return lookupClass{mode: LookupDisease, isMedical: true}
	case isSymptom:
		return lookupClass{mode: LookupSymptom, isMedical: true}
	}
	return lookupClass{isMedical: looksMedical}
}

// applyLabel overrides the heuristic with the model's one-word label when it
// is recognizable. An unusable label leaves the heuristic in place.
func applyLabel(cls lookupClass, label string) lookupClass {
	t := strings.ToLower(strings.TrimSpace(label))
	switch {
	case strings.Contains(t, "thuốc"):
		return lookupClass{mode: LookupDrug, isMedical: true}
	case strings.Contains(t, "bệnh"):
		return lookupClass{mode: LookupDisease, isMedical: true}
	case strings.Contains(t, "triệu chứng"):
		return lookupClass{mode: LookupSymptom, isMedical: true}
	case strings.Contains(t, "không"):
		return lookupClass{isMedical: false}
	}
	return cls
}

// LookupInput is one medical reference query.
type LookupInput struct {
	UserID         string
	ConversationID string
	Query          string
	Mode           string // optional caller-declared category
}

// LookupResult mirrors the structured-lookup response surface.
type LookupResult struct {
	Success        bool   `json:"success"`
	Response       string `json:"response,omitempty"`
	Error          string `json:"error,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Mode           string `json:"mode,omitempty"`
	RedirectURL    string `json:"redirect_url,omitempty"`
}

// answerFunc produces a one-off system+user completion.
type answerFunc func(ctx context.Context, systemPrompt, userText string) (string, error)

// lookupForwarder proxies a structured lookup to a remote GPU server.
type lookupForwarder interface {
	HealthLookup(ctx context.Context, baseURL string, body any) (map[string]any, error)
}

// LookupService answers reference queries about drugs, diseases and
// symptoms. Curated JSON data wins; anything it cannot answer goes to
// retrieval-augmented generation under a safety prompt, and every answered
// query lands in the user's conversation history.
type LookupService struct {
	dbStore   *store.SQLiteStore
	modes     *runtime.Controller
	refdata   *ReferenceData
	augmentor *Augmentor // may be nil
	answer    answerFunc
	label     generateFunc // terse category probe, may be nil
	forward   lookupForwarder
	backends  backendSelector
	logger    *zap.Logger
}

func NewLookupService(
	dbStore *store.SQLiteStore,
	modes *runtime.Controller,
	refdata *ReferenceData,
	augmentor *Augmentor,
	answer func(ctx context.Context, systemPrompt, userText string) (string, error),
	label func(ctx context.Context, prompt string, maxTokens int) (string, error),
	logger *zap.Logger,
) *LookupService {
	return &LookupService{
		dbStore:   dbStore,
		modes:     modes,
		refdata:   refdata,
		augmentor: augmentor,
		answer:    answer,
		label:     label,
		logger:    logger,
	}
}

// SetForwarder routes gpu-target lookups through a remote backend before the
// local reference data is consulted.
func (s *LookupService) SetForwarder(forward lookupForwarder, backends backendSelector) {
	s.forward = forward
	s.backends = backends
}

func (s *LookupService) Lookup(ctx context.Context, in LookupInput) *LookupResult {
	state := s.modes.State(in.UserID)
	target := state.Target

	cls := heuristicClassify(in.Query)
	if s.label != nil {
		if label, err := s.label(ctx, lookupLabelPrompt+strings.TrimSpace(in.Query), 8); err == nil {
			cls = applyLabel(cls, label)
		}
	}
	if !cls.isMedical {
		return &LookupResult{
			Success:     true,
			Response:    lookupNotMedicalMessage,
			Mode:        target,
			RedirectURL: LookupRedirectURL,
		}
	}

	mode := strings.ToLower(strings.TrimSpace(in.Mode))
	if mode == "" {
		mode = cls.mode
	}

	if res := s.lookupForwarded(ctx, in, mode, state); res != nil {
		return res
	}
	if res := s.lookupCurated(in, mode, target); res != nil {
		return res
	}
	return s.lookupGenerated(ctx, in, mode, target)
}

// lookupForwarded proxies the query to a remote GPU server when the runtime
// target is gpu. A failed proxy attempt falls through to the local paths.
func (s *LookupService) lookupForwarded(ctx context.Context, in LookupInput, mode string, state runtime.State) *LookupResult {
	if s.forward == nil || s.backends == nil || state.Target != runtime.TargetGPU {
		return nil
	}
	strategy := registry.RoundRobin
	if state.GPUURL != "" {
		strategy = registry.Sticky
	}
	base := s.backends.Select(strategy, state.GPUURL)
	if base == "" {
		return nil
	}

	out, err := s.forward.HealthLookup(ctx, base, map[string]any{
		"query":           strings.TrimSpace(in.Query),
		"mode":            mode,
		"conversation_id": in.ConversationID,
		"user_id":         in.UserID,
	})
	if err != nil {
		s.logger.Warn("remote lookup failed, answering locally", zap.Error(err))
		return nil
	}

	res := &LookupResult{Success: true, Mode: runtime.TargetGPU}
	if v, ok := out["success"].(bool); ok {
		res.Success = v
	}
	res.Response, _ = out["response"].(string)
	res.Error, _ = out["error"].(string)
	res.ConversationID, _ = out["conversation_id"].(string)
	res.RedirectURL, _ = out["redirect_url"].(string)
	if m, ok := out["mode"].(string); ok && m != "" {
		res.Mode = m
	}
	if res.Response == "" && res.Error == "" {
		return nil // unusable proxy answer, fall back
	}
	return res
}

// lookupCurated consults the JSON reference files. The caller-declared mode
// narrows the match; without one, diseases win over drugs.
func (s *LookupService) lookupCurated(in LookupInput, mode, target string) *LookupResult {
	disease, derr := s.refdata.FindDisease(in.Query)
	drug, drerr := s.refdata.FindDrug(in.Query)
	if derr != nil || drerr != nil {
		s.logger.Warn("reference data unavailable, falling back to generation",
			zap.NamedError("disease", derr), zap.NamedError("drug", drerr))
		return nil
	}

	var text string
	switch {
	case mode == LookupDrug && drug != nil:
		text = "Thuốc: " + drug.Name + "\n" + FormatDrug(drug)
	case mode == LookupDisease && disease != nil:
		text = "Bệnh: " + disease.Name + "\n" + FormatDisease(disease)
	case disease != nil:
		text = "Bệnh: " + disease.Name + "\n" + FormatDisease(disease)
	case drug != nil:
		text = "Thuốc: " + drug.Name + "\n" + FormatDrug(drug)
	default:
		return nil
	}

	convID := s.persistLookup(in, text)
	return &LookupResult{Success: true, Response: text, ConversationID: convID, Mode: target}
}

// lookupGenerated is the RAG fallback: safety prompt, answer format guide
// and the caller's category focus.
func (s *LookupService) lookupGenerated(ctx context.Context, in LookupInput, mode, target string) *LookupResult {
	systemPrompt := "Bạn là cơ sở dữ liệu y khoa an toàn và chính xác. " +
		lookupSafetyDisclaimer + lookupFormatGuide + lookupModeHint(mode)

	query := strings.TrimSpace(in.Query)
	if s.augmentor != nil {
		if aug, err := s.augmentor.Augment(ctx, query, NumRelevantPassages); err == nil && aug.Selected > 0 {
			query = aug.ContextBlock
		}
	}

	text, err := s.answer(ctx, systemPrompt, query)
	if err != nil {
		s.logger.Warn("lookup generation failed, serving static guidance", zap.Error(err))
		text = "Hệ thống tra cứu đang gặp sự cố kết nối LLM. Dưới đây là hướng dẫn chung:\n" + lookupSafetyDisclaimer
	}

	convID := s.persistLookup(in, text)
	return &LookupResult{Success: true, Response: text, ConversationID: convID, Mode: target}
}

func (s *LookupService) persistLookup(in LookupInput, answer string) string {
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		userID = "anonymous"
	}

	convID := in.ConversationID
	if convID == "" {
		conv, err := s.dbStore.CreateConversation(userID, store.KindChat, "")
		if err != nil {
			s.logger.Error("failed to create lookup conversation", zap.Error(err))
			return ""
		}
		convID = conv.ID
	}

	_, err := s.dbStore.AppendExchange(userID, convID, []store.Message{
		{Role: store.RoleUser, Content: strings.TrimSpace(in.Query)},
		{Role: store.RoleAssistant, Content: answer},
	})
	if err != nil {
		s.logger.Error("failed to persist lookup exchange", zap.String("conversation", convID), zap.Error(err))
		return ""
	}
	return convID
}

const lookupFormatGuide = "\n\nĐỊNH DẠNG TRẢ LỜI:\n" +
	"📋 Thông tin chính:\n- Định nghĩa/Mô tả\n- Nguyên nhân chính\n- Triệu chứng thường gặp\n" +
	"\n🔍 Chi tiết:\n- Cách chẩn đoán\n- Phương pháp điều trị\n- Biến chứng có thể xảy ra\n" +
	"\n⚠️ Lưu ý quan trọng:\n- Khi nào cần đến bác sĩ\n- Dấu hiệu cảnh báo\n"

func lookupModeHint(mode string) string {
	switch mode {
	case LookupDrug:
		return "\nTrọng tâm: Thuốc.\nNếu là thuốc: thêm Liều dùng phổ biến, Tác dụng phụ, Tương tác, Chống chỉ định."
	case LookupDisease:
		return "\nTrọng tâm: Bệnh lý."
	case LookupSymptom:
		return "\nTrọng tâm: Triệu chứng."
	}
	return ""
}
