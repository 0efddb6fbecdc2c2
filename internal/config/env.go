package config

import (
	"os"
	"strconv"
	"time"
)

// ApplyEnv overlays environment variables onto cfg. Unset variables leave
// the current value; malformed values are ignored so a bad override never
// takes the process down.
func ApplyEnv(cfg *Config) {
	envStr("MNEMO_BACKEND", func(v string) { cfg.Backend = Backend(v) })
	envStr("MNEMO_LOG_LEVEL", func(v string) { cfg.LogLevel = LogLevel(v) })

	envStr("MNEMO_DATA_ROOT", func(v string) { cfg.Paths.DataRoot = v })
	envStr("MNEMO_DB_PATH", func(v string) { cfg.Paths.DBPath = v })
	envStr("MNEMO_GRAPH_PATH", func(v string) { cfg.Paths.GraphPath = v })

	envStr("MNEMO_LLM_PROVIDER", func(v string) { cfg.Providers.LLM.Name = v })
	envStr("MNEMO_LLM_API_KEY", func(v string) { cfg.Providers.LLM.APIKey = v })
	envStr("MNEMO_LLM_BASE_URL", func(v string) { cfg.Providers.LLM.BaseURL = v })
	envStr("MNEMO_LLM_MODEL", func(v string) { cfg.Providers.LLM.Model = v })
	envStr("MNEMO_EMBEDDINGS_PROVIDER", func(v string) { cfg.Providers.Embeddings.Name = v })
	envStr("MNEMO_EMBEDDINGS_API_KEY", func(v string) { cfg.Providers.Embeddings.APIKey = v })
	envStr("MNEMO_EMBEDDINGS_MODEL", func(v string) { cfg.Providers.Embeddings.Model = v })

	envStr("MNEMO_POSTGRES_DSN", func(v string) { cfg.Postgres.DSN = v })
	envInt("MNEMO_PG_POOL_MIN", func(v int) { cfg.Postgres.PoolMin = v })
	envInt("MNEMO_PG_POOL_MAX", func(v int) { cfg.Postgres.PoolMax = v })
	envInt("MNEMO_EMBEDDING_DIMENSIONS", func(v int) { cfg.Postgres.EmbeddingDimensions = v })

	envDuration("MNEMO_API_TIMEOUT", func(v time.Duration) { cfg.Timeouts.API = v })
	envDuration("MNEMO_STREAM_TIMEOUT", func(v time.Duration) { cfg.Timeouts.Stream = v })
	envDuration("MNEMO_HTTP_TIMEOUT", func(v time.Duration) { cfg.Timeouts.HTTP = v })

	envInt("MNEMO_RETRY_MAX_ATTEMPTS", func(v int) { cfg.Retry.MaxAttempts = v })
	envDuration("MNEMO_RETRY_BASE_DELAY", func(v time.Duration) { cfg.Retry.BaseDelay = v })

	envFloat("MNEMO_DECAY_MIN_RETENTION", func(v float64) { cfg.Decay.MinRetention = v })
	envFloat("MNEMO_DECAY_ACCESS_BOOST_K", func(v float64) { cfg.Decay.AccessBoostK = v })
	envFloat("MNEMO_DECAY_ACCESS_BOOST_MAX", func(v float64) { cfg.Decay.AccessBoostMax = v })
	envFloat("MNEMO_DECAY_CONNECTION_BOOST_K", func(v float64) { cfg.Decay.ConnectionBoostK = v })
	envFloat("MNEMO_DECAY_CONNECTION_BOOST_MAX", func(v float64) { cfg.Decay.ConnectionBoostMax = v })

	envInt("MNEMO_BUDGET_SESSION_TOKENS", func(v int) { cfg.Budgets.SessionTokens = v })
	envInt("MNEMO_BUDGET_LONG_TERM_TOKENS", func(v int) { cfg.Budgets.LongTermTokens = v })
	envInt("MNEMO_BUDGET_GRAPH_TOKENS", func(v int) { cfg.Budgets.GraphTokens = v })
}

func envStr(key string, set func(string)) {
	if v := os.Getenv(key); v != "" {
		set(v)
	}
}

func envInt(key string, set func(int)) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	set(n)
}

func envFloat(key string, set func(float64)) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return
	}
	set(f)
}

func envDuration(key string, set func(time.Duration)) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return
	}
	set(d)
}
