package common

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// ReplayHeader marks a response served from the idempotency store.
const ReplayHeader = "Idempotent-Replayed"

// Idem makes write endpoints safe to retry. The first request with a given
// Idempotency-Key runs the handler and its response is stored; later requests
// with the same key, method and path get that response back without running
// the handler. A key reused with a different body is rejected.
type Idem struct {
	R   *redis.Client
	TTL time.Duration
	// InFlightTTL bounds how long a key stays claimed by a request that never
	// completes.
	InFlightTTL time.Duration
}

type idemRecord struct {
	BodyHash    string `json:"bodyHash"`
	Done        bool   `json:"done"`
	Status      int    `json:"status,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Body        []byte `json:"body,omitempty"`
}

func (i Idem) redisKey(r *http.Request, header string) string {
	sum := sha256.Sum256([]byte(r.Method + " " + r.URL.Path + "\n" + header))
	return "idem:" + hex.EncodeToString(sum[:])
}

func (i Idem) ttls() (done, inflight time.Duration) {
	done, inflight = i.TTL, i.InFlightTTL
	if done <= 0 {
		done = 24 * time.Hour
	}
	if inflight <= 0 {
		inflight = time.Minute
	}
	return done, inflight
}

func (i Idem) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Idempotency-Key")
		if header == "" || i.R == nil {
			next.ServeHTTP(w, r)
			return
		}
		if len(header) > 255 {
			JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "Idempotency-Key too long", nil)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body", nil)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		bodySum := sha256.Sum256(body)
		bodyHash := hex.EncodeToString(bodySum[:])

		ctx := r.Context()
		key := i.redisKey(r, header)
		doneTTL, inflightTTL := i.ttls()
		claim, _ := json.Marshal(idemRecord{BodyHash: bodyHash})
		ok, err := i.R.SetNX(ctx, key, claim, inflightTTL).Result()
		if err != nil {
			JSONError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "idempotency store unavailable", nil)
			return
		}
		if !ok {
			i.replay(ctx, w, key, bodyHash)
			return
		}

		rec := &recordingWriter{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			// bookkeeping must survive a cancelled request
			bg := context.WithoutCancel(ctx)
			if rec.status >= http.StatusInternalServerError {
				_ = i.R.Del(bg, key).Err()
				return
			}
			stored, err := json.Marshal(idemRecord{
				BodyHash:    bodyHash,
				Done:        true,
				Status:      rec.status,
				ContentType: rec.Header().Get("Content-Type"),
				Body:        rec.body.Bytes(),
			})
			if err != nil {
				_ = i.R.Del(bg, key).Err()
				return
			}
			_ = i.R.Set(bg, key, stored, doneTTL).Err()
		}()
		next.ServeHTTP(rec, r)
	})
}

func (i Idem) replay(ctx context.Context, w http.ResponseWriter, key, bodyHash string) {
	raw, err := i.R.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		// the first request failed and released the key between our SETNX and GET
		JSONError(w, http.StatusConflict, "IDEMPOTENCY_IN_PROGRESS", "request with this key is being processed", nil)
		return
	}
	var prev idemRecord
	if err != nil || json.Unmarshal(raw, &prev) != nil {
		JSONError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "idempotency store unavailable", nil)
		return
	}
	switch {
	case prev.BodyHash != bodyHash:
		JSONError(w, http.StatusUnprocessableEntity, "IDEMPOTENCY_KEY_REUSED", "Idempotency-Key was used with a different request body", nil)
	case !prev.Done:
		JSONError(w, http.StatusConflict, "IDEMPOTENCY_IN_PROGRESS", "request with this key is being processed", nil)
	default:
		if prev.ContentType != "" {
			w.Header().Set("Content-Type", prev.ContentType)
		}
		w.Header().Set(ReplayHeader, "true")
		w.WriteHeader(prev.Status)
		_, _ = w.Write(prev.Body)
	}
}

// recordingWriter tees the response so it can be stored for replay.
type recordingWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (rw *recordingWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *recordingWriter) Write(p []byte) (int, error) {
	rw.body.Write(p)
	return rw.ResponseWriter.Write(p)
}
