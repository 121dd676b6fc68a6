package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Milvus    MilvusConfig
	SQLite    SQLiteConfig
	Redis     RedisConfig
	LLM       LLMConfig
	Chunking  ChunkingConfig
	Retrieval RetrievalConfig
	Synthesis SynthesisConfig
	Extractor ExtractorConfig
	Ingestion IngestionConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
}

type MilvusConfig struct {
	Endpoint       string
	CollectionName string
	Namespace      string
	VectorDim      int
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	TTLHours int
}

type LLMConfig struct {
	Model          string
	APIKey         string
	Temperature    float32
	MaxTokens      int
	TimeoutSec     int
	EmbeddingModel string
	EmbeddingDim   int
	MaxAttempts    int
	BatchSize      int
}

type ChunkingConfig struct {
	Size      int
	Overlap   int
	Tolerance int
}

type RetrievalConfig struct {
	TopK            int
	DedupWindowMins int
	Synonyms        map[string]string
}

type SynthesisConfig struct {
	ContextTokenBudget int
	TokenizerModel     string
}

type ExtractorConfig struct {
	Version           string
	MetricWindowWords int
}

type IngestionConfig struct {
	Workers int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/finsight")

	viper.SetEnvPrefix("FINSIGHT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if config.Chunking.Overlap >= config.Chunking.Size {
		return nil, fmt.Errorf("chunking overlap (%d) must be smaller than chunk size (%d)",
			config.Chunking.Overlap, config.Chunking.Size)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 60)
	viper.SetDefault("server.bodyLimit", 26214400)

	viper.SetDefault("milvus.endpoint", "localhost:19530")
	viper.SetDefault("milvus.collectionName", "financial_chunks")
	viper.SetDefault("milvus.namespace", "finsight")
	viper.SetDefault("milvus.vectorDim", 1536)

	viper.SetDefault("sqlite.path", "./data/finsight.db")

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.ttlHours", 720)

	viper.SetDefault("llm.model", "gpt-4o")
	viper.SetDefault("llm.temperature", 0.1)
	viper.SetDefault("llm.maxTokens", 2048)
	viper.SetDefault("llm.timeoutSec", 60)
	viper.SetDefault("llm.embeddingModel", "text-embedding-3-small")
	viper.SetDefault("llm.embeddingDim", 1536)
	viper.SetDefault("llm.maxAttempts", 3)
	viper.SetDefault("llm.batchSize", 100)

	viper.SetDefault("chunking.size", 1000)
	viper.SetDefault("chunking.overlap", 200)
	viper.SetDefault("chunking.tolerance", 200)

	viper.SetDefault("retrieval.topK", 5)
	viper.SetDefault("retrieval.dedupWindowMins", 120)
	viper.SetDefault("retrieval.synonyms", map[string]string{
		"eps":      "earnings per share",
		"p/e":      "price to earnings ratio",
		"capex":    "capital expenditure",
		"opex":     "operating expenses",
		"yoy":      "year over year",
		"qoq":      "quarter over quarter",
		"fcf":      "free cash flow",
		"ebitda":   "earnings before interest taxes depreciation and amortization",
		"guidance": "forward guidance outlook",
	})

	viper.SetDefault("synthesis.contextTokenBudget", 6000)
	viper.SetDefault("synthesis.tokenizerModel", "gpt-3.5-turbo")

	viper.SetDefault("extractor.version", "v1")
	viper.SetDefault("extractor.metricWindowWords", 12)

	viper.SetDefault("ingestion.workers", 4)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
