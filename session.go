package flightcache

import (
	"context"

	"github.com/always-cache/flight-cache/cache"
	cachekey "github.com/always-cache/flight-cache/pkg/cache-key"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Session is one visitor's booking flow: a private session tier in front of
// the shared tiers, and the navigation state of the flow.
type Session struct {
	ID        string
	Storage   *Storage
	Navigator *Navigator
}

// NewSession creates a session with a fresh session tier.
// The Session field of config is ignored. Durable and remote tiers may be shared between sessions.
func NewSession(config Config) *Session {
	id := uuid.NewString()
	logger := zerolog.New(zerolog.NewConsoleWriter())
	if config.Logger != nil {
		logger = *config.Logger
	}
	logger = logger.With().Str("session", id).Logger()
	config.Logger = &logger
	config.Session = cache.NewMemCache()
	storage := CreateStorage(config)
	return &Session{
		ID:        id,
		Storage:   storage,
		Navigator: NewNavigator(storage),
	}
}

// SessionStatus is the debug view of a session.
type SessionStatus struct {
	ID         string          `json:"id"`
	Navigation NavigationState `json:"navigation"`
	Storage    StorageStatus   `json:"storage"`
}

// Status returns the navigation state and what every tier holds for fp.
// If fp is empty the search of the current flow is used.
func (s *Session) Status(ctx context.Context, fp cachekey.Fingerprint) SessionStatus {
	nav := s.Navigator.State()
	if fp.IsZero() {
		fp = nav.LastParams[StepSearch].Fingerprint
	}
	return SessionStatus{
		ID:         s.ID,
		Navigation: nav,
		Storage:    s.Storage.Status(ctx, fp),
	}
}
