package voice

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lilalabs/voice-gateway/internal/auth"
	"github.com/lilalabs/voice-gateway/internal/config"
	"github.com/lilalabs/voice-gateway/internal/llm"
	"github.com/lilalabs/voice-gateway/internal/observability"
	"github.com/lilalabs/voice-gateway/internal/stt"
	"github.com/lilalabs/voice-gateway/internal/store"
	"github.com/lilalabs/voice-gateway/internal/tts"
)

var upgrader = websocket.Upgrader{
	// The bearer token authenticates the connection; origin checks belong
	// to the deployment's reverse proxy.
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Deps carries the collaborators one session needs. STT and TTS connections
// are per-session, so they arrive as factories; generation and storage are
// shared.
type Deps struct {
	Config   *config.Config
	Manager  *Manager
	Verifier *auth.Verifier
	Store    store.Store
	Gen      llm.Client
	NewSTT   func(logger zerolog.Logger) stt.Client
	NewTTS   func(logger zerolog.Logger) tts.Client
}

// HandleVoiceWS is the entry point for client voice connections.
func HandleVoiceWS(deps Deps) http.HandlerFunc {
	logger := observability.GetLogger()

	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error().Err(err).Msg("WebSocket upgrade failed")
			return
		}
		conn := newWSConn(raw)

		// Authentication resolves before any audio is accepted.
		token, err := auth.TokenFromRequest(r)
		if err != nil {
			_ = conn.WriteJSON(serverMessage{Error: "Not authenticated"})
			_ = conn.Close()
			observability.RecordSessionRejected("auth")
			return
		}
		userID, err := deps.Verifier.UserID(token)
		if err != nil {
			logger.Warn().Err(err).Msg("Rejected connection with invalid token")
			_ = conn.WriteJSON(serverMessage{Error: "Invalid or missing authentication"})
			_ = conn.Close()
			observability.RecordSessionRejected("auth")
			return
		}

		session := NewSession(
			deps.Config,
			conn,
			userID,
			deps.NewSTT(logger),
			deps.NewTTS(logger),
			deps.Gen,
			deps.Store,
		)

		if err := deps.Manager.Acquire(session); err != nil {
			if errors.Is(err, ErrCapacity) {
				_ = conn.WriteJSON(serverMessage{Error: "Too many connections. Please wait."})
			}
			_ = conn.Close()
			observability.RecordSessionRejected("capacity")
			return
		}
		defer deps.Manager.Release(session.ID())

		if err := session.Start(); err != nil {
			logger.Error().Err(err).Str("session_id", session.ID()).Msg("Session start failed")
			_ = conn.WriteJSON(serverMessage{Error: "Could not reach speech services. Try again shortly."})
			_ = conn.Close()
			observability.RecordSessionRejected("connect")
			return
		}

		session.Run()
	}
}
