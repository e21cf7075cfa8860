package config

import (
	"log"
	"os"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPPort       string
	DataDir        string
	DatabaseURL    string
	LlamaServerURL string // local OpenAI-compatible llama.cpp endpoint
	DefaultGPUURL  string // used when the server registry has no active entries
	RerankerURL    string // cross-encoder scoring service, optional
	GeminiAPIKey   string // embeddings for retrieval
	JWTSecret      string
	FlashModel     string
	ProModel       string
	LogLevel       string
}

var AppConfig Config

func LoadConfig() {
	err := godotenv.Load() // Load .env file if it exists
	if err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	AppConfig = Config{
		HTTPPort:       getEnv("HTTP_PORT", "8000"),
		DataDir:        getEnv("DATA_DIR", "data"),
		DatabaseURL:    getEnv("DATABASE_URL", "doctorai.db"),
		LlamaServerURL: getEnv("LLAMA_SERVER_URL", "http://127.0.0.1:8080/v1/"),
		DefaultGPUURL:  getEnv("DEFAULT_GPU_URL", ""),
		RerankerURL:    getEnv("RERANKER_URL", ""),
		GeminiAPIKey:   getEnv("GEMINI_API_KEY", ""),
		JWTSecret:      getEnv("JWT_SECRET", "dev-secret"),
		FlashModel:     getEnv("FLASH_MODEL", "llama-3.2-1b-instruct"),
		ProModel:       getEnv("PRO_MODEL", "llama-3.2-3b-instruct"),
		LogLevel:       getEnv("LOG_LEVEL", "INFO"),
	}
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
