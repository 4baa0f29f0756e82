package server

import (
	"net/http"
	"time"

	"github.com/rs/cors"

	"github.com/kon-rad/llmtrace/internal/prompts"
	"github.com/kon-rad/llmtrace/internal/push"
)

// Handler routes the sink API and wraps it in CORS so public-key-only
// browser clients can post events.
func Handler(health http.Handler, ingestHandlers *IngestHandlers, promptHandlers *PromptHandlers, allowedOrigins []string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /health", health)
	if ingestHandlers != nil {
		mux.HandleFunc("POST "+push.IngestionPath, ingestHandlers.PostIngestion)
	}
	if promptHandlers != nil {
		mux.HandleFunc("GET "+prompts.Path+"/{name}", promptHandlers.GetPrompt)
		mux.HandleFunc("POST "+prompts.Path, promptHandlers.CreatePrompt)
	}

	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{
			"Authorization",
			"Content-Type",
			"Content-Encoding",
			push.HeaderSDKName,
			push.HeaderSDKVersion,
			push.HeaderSDKVariant,
			push.HeaderSDKIntegration,
			push.HeaderPublicKey,
		},
		MaxAge: 600,
	})
	return c.Handler(mux)
}

func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
