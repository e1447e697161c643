package middleware

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"lukechampine.com/blake3"
)

const (
	// HeaderIdempotencyKey names the client supplied deduplication key.
	HeaderIdempotencyKey = "Idempotency-Key"
	// HeaderReplayed marks responses served from the idempotency store.
	HeaderReplayed = "Idempotent-Replayed"
	// HeaderRequestID carries the id assigned to the first execution.
	HeaderRequestID = "X-Request-Id"

	maxIdempotencyKeyLen = 128
)

// IdempotencyRecord is the stored outcome of a keyed request.
type IdempotencyRecord struct {
	Key         string `gorm:"primaryKey;size:192"`
	RequestID   string `gorm:"size:64"`
	Fingerprint string `gorm:"size:64"`
	Method      string `gorm:"size:8"`
	Path        string `gorm:"size:255"`
	Status      int
	Response    string `gorm:"type:text"`
	CreatedAt   time.Time
}

// OpenIdempotencyDB opens the record store. postgres:// DSNs use the Postgres
// driver; anything else is treated as a SQLite path, with an empty DSN giving
// a private in-memory database.
func OpenIdempotencyDB(dsn string) (*gorm.DB, error) {
	dsn = strings.TrimSpace(dsn)
	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		dialector = postgres.Open(dsn)
	case dsn == "":
		dialector = sqlite.Open(fmt.Sprintf("file:idem-%s?mode=memory&cache=shared", uuid.NewString()))
	default:
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open idempotency store: %w", err)
	}
	if err := db.AutoMigrate(&IdempotencyRecord{}); err != nil {
		return nil, fmt.Errorf("migrate idempotency store: %w", err)
	}
	return db, nil
}

// Idempotency replays stored responses for repeated Idempotency-Key requests.
// Keys are scoped to the authenticated caller; reusing a key with a different
// request is rejected with 409.
type Idempotency struct {
	db     *gorm.DB
	logger *slog.Logger
	nowFn  func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewIdempotency wraps db.
func NewIdempotency(db *gorm.DB, logger *slog.Logger) *Idempotency {
	if logger == nil {
		logger = slog.Default()
	}
	return &Idempotency{db: db, logger: logger, nowFn: time.Now, inFlight: make(map[string]struct{})}
}

// Middleware applies idempotency to next.
func (i *Idempotency) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
		if key == "" || i == nil || i.db == nil {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > maxIdempotencyKeyLen {
			http.Error(w, "idempotency key too long", http.StatusBadRequest)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		_ = r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))

		scoped := key
		if caller, ok := PrincipalFrom(r.Context()); ok {
			scoped = caller.String() + "/" + key
		}
		fingerprint := requestFingerprint(r.Method, r.URL.Path, body)

		// Held across lookup, execution and store.
		if !i.claim(scoped) {
			http.Error(w, "request with this idempotency key in progress", http.StatusConflict)
			return
		}
		defer i.release(scoped)

		var record IdempotencyRecord
		err = i.db.WithContext(r.Context()).First(&record, "key = ?", scoped).Error
		switch {
		case err == nil:
			if record.Fingerprint != fingerprint {
				http.Error(w, "idempotency key reused with a different request", http.StatusConflict)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(HeaderReplayed, "true")
			w.Header().Set(HeaderRequestID, record.RequestID)
			w.WriteHeader(record.Status)
			_, _ = io.WriteString(w, record.Response)
			return
		case !errors.Is(err, gorm.ErrRecordNotFound):
			i.logger.Error("idempotency lookup failed", slog.Any("error", err))
			http.Error(w, "idempotency store unavailable", http.StatusInternalServerError)
			return
		}

		requestID := uuid.NewString()
		w.Header().Set(HeaderRequestID, requestID)
		recorder := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		if recorder.status >= http.StatusInternalServerError {
			return
		}
		record = IdempotencyRecord{
			Key:         scoped,
			RequestID:   requestID,
			Fingerprint: fingerprint,
			Method:      r.Method,
			Path:        r.URL.Path,
			Status:      recorder.status,
			Response:    recorder.buf.String(),
			CreatedAt:   i.nowFn().UTC(),
		}
		if err := i.db.WithContext(r.Context()).Create(&record).Error; err != nil {
			i.logger.Warn("idempotency record not stored", slog.String("path", r.URL.Path), slog.Any("error", err))
		}
	})
}

// Prune deletes records created before cutoff.
func (i *Idempotency) Prune(cutoff time.Time) (int64, error) {
	res := i.db.Where("created_at < ?", cutoff.UTC()).Delete(&IdempotencyRecord{})
	return res.RowsAffected, res.Error
}

func (i *Idempotency) claim(key string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, busy := i.inFlight[key]; busy {
		return false
	}
	i.inFlight[key] = struct{}{}
	return true
}

func (i *Idempotency) release(key string) {
	i.mu.Lock()
	delete(i.inFlight, key)
	i.mu.Unlock()
}

func requestFingerprint(method, path string, body []byte) string {
	h := blake3.New(32, nil)
	_, _ = h.Write([]byte(strings.ToUpper(method)))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(path))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

type responseRecorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}
