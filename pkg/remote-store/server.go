// Package remotestore is the HTTP service behind the remote cache tier.
// It stores encoded entries per namespace in a backing tier
// (usually SQLite) and never looks inside the payloads.
package remotestore

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/always-cache/flight-cache/cache"
	"github.com/always-cache/flight-cache/pkg/clock"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// DefaultMaxEntrySize limits the body of a single PUT.
const DefaultMaxEntrySize = 1 << 20

// NamespaceSeparator follows the namespace in the keys of the backing store.
// A SQLite store partitioned on it keeps a separate capacity per namespace.
const NamespaceSeparator = "/"

var namespaceRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// Store is where the server keeps entries. Keys are prefixed with the namespace.
type Store interface {
	cache.Tier
	cache.RawWriter
}

type Config struct {
	Store Store
	// Maximum size of one encoded entry. Defaults to DefaultMaxEntrySize.
	MaxEntrySize int64
	// Clock used to reject expired entries. The system clock is used if nil.
	Clock clock.Clock
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

type Server struct {
	store        Store
	maxEntrySize int64
	clock        clock.Clock
	log          zerolog.Logger
	router       chi.Router
}

func NewServer(config Config) *Server {
	s := &Server{
		store:        config.Store,
		maxEntrySize: config.MaxEntrySize,
		clock:        config.Clock,
	}
	if s.maxEntrySize <= 0 {
		s.maxEntrySize = DefaultMaxEntrySize
	}
	if s.clock == nil {
		s.clock = clock.System{}
	}
	if config.Logger == nil {
		s.log = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		s.log = *config.Logger
	}
	s.log = s.log.With().Str("component", "remote-store").Logger()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Route("/v1/namespaces/{namespace}", func(r chi.Router) {
		r.Use(s.requireNamespace)
		r.Get("/entry", s.getEntry)
		r.Put("/entry", s.putEntry)
		r.Delete("/entry", s.deleteEntry)
		r.Get("/keys", s.listKeys)
		r.Delete("/entries", s.clearNamespace)
	})
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) requireNamespace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !namespaceRe.MatchString(chi.URLParam(r, "namespace")) {
			s.writeError(w, r, http.StatusBadRequest, "invalid namespace")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) getEntry(w http.ResponseWriter, r *http.Request) {
	key, ok := s.requireKey(w, r)
	if !ok {
		return
	}
	stored := storeKey(r, key)
	cacheStatus := CacheStatus{}

	entry, found, err := s.store.Get(r.Context(), stored)
	if err != nil {
		s.log.Error().Err(err).Str("key", stored).Msg("Could not read entry")
		s.writeError(w, r, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	if !found {
		cacheStatus.Forward(CacheStatusFwdUriMiss)
		w.Header().Set("Cache-Status", cacheStatus.String())
		s.writeError(w, r, http.StatusNotFound, "not found")
		return
	}
	if entry.Expired(s.clock.Now()) {
		if err := s.store.Purge(r.Context(), stored); err != nil {
			s.log.Warn().Err(err).Str("key", stored).Msg("Could not purge expired entry")
		}
		cacheStatus.Forward(CacheStatusFwdStale)
		w.Header().Set("Cache-Status", cacheStatus.String())
		s.writeError(w, r, http.StatusNotFound, "not found")
		return
	}
	b, err := entry.Encode()
	if err != nil {
		cacheStatus.Forward(CacheStatusFwdMiss)
		w.Header().Set("Cache-Status", cacheStatus.String())
		s.writeError(w, r, http.StatusInternalServerError, "could not encode entry")
		return
	}
	cacheStatus.Hit()
	cacheStatus.Detail(entry.Payload.Kind)
	w.Header().Set("Cache-Status", cacheStatus.String())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

func (s *Server) putEntry(w http.ResponseWriter, r *http.Request) {
	key, ok := s.requireKey(w, r)
	if !ok {
		return
	}
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxEntrySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, r, http.StatusRequestEntityTooLarge, "entry too large")
			return
		}
		s.writeError(w, r, http.StatusBadRequest, "could not read body")
		return
	}
	entry, err := cache.Decode(b)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if entry.Key != key {
		s.writeError(w, r, http.StatusBadRequest, "entry key does not match request key")
		return
	}
	stored := storeKey(r, key)
	if err := s.store.PutBytes(r.Context(), stored, entry.CreatedAt, entry.ExpiresAt, b); err != nil {
		s.log.Error().Err(err).Str("key", stored).Msg("Could not store entry")
		s.writeError(w, r, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	s.log.Trace().Str("key", stored).Str("size", humanize.Bytes(uint64(len(b)))).Msg("Stored entry")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteEntry(w http.ResponseWriter, r *http.Request) {
	key, ok := s.requireKey(w, r)
	if !ok {
		return
	}
	if err := s.store.Purge(r.Context(), storeKey(r, key)); err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("Could not purge entry")
		s.writeError(w, r, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listKeys(w http.ResponseWriter, r *http.Request) {
	ns := namespacePrefix(r)
	keys := make([]string, 0)
	err := s.store.AllKeys(r.Context(), ns+r.URL.Query().Get("prefix"), func(key string) {
		keys = append(keys, strings.TrimPrefix(key, ns))
	})
	if err != nil {
		s.log.Error().Err(err).Msg("Could not list keys")
		s.writeError(w, r, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(keys)
}

func (s *Server) clearNamespace(w http.ResponseWriter, r *http.Request) {
	var errs []error
	err := s.store.AllKeys(r.Context(), namespacePrefix(r), func(key string) {
		if err := s.store.Purge(r.Context(), key); err != nil {
			errs = append(errs, err)
		}
	})
	if err = errors.Join(append(errs, err)...); err != nil {
		s.log.Error().Err(err).Msg("Could not clear namespace")
		s.writeError(w, r, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	s.log.Debug().Str("namespace", chi.URLParam(r, "namespace")).Msg("Cleared namespace")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) requireKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeError(w, r, http.StatusBadRequest, "missing key")
		return "", false
	}
	return key, true
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: message, RequestID: middleware.GetReqID(r.Context())})
}

func namespacePrefix(r *http.Request) string {
	return chi.URLParam(r, "namespace") + NamespaceSeparator
}

func storeKey(r *http.Request, key string) string {
	return namespacePrefix(r) + key
}
