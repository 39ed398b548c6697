package httpapi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/service/idempotency"
)

const (
	// IdempotencyKeyHeader — заголовок клиентского ключа повторов.
	IdempotencyKeyHeader = "Idempotency-Key"
	idempotencyTTL       = 24 * time.Hour
	replayedHeader       = "Idempotent-Replayed"
)

// bodyRecorder копирует тело ответа для сохранения в записи идемпотентности.
type bodyRecorder struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *bodyRecorder) Write(data []byte) (int, error) {
	w.body.Write(data)
	return w.ResponseWriter.Write(data)
}

func (w *bodyRecorder) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Idempotency повторяет сохранённый ответ для уже выполненного запроса с тем же
// Idempotency-Key. Ключ с другим телом или ещё выполняющийся запрос дают 409.
// Ответы 5xx не сохраняются: клиент может повторить запрос.
func Idempotency(repo domain.IdempotencyRepository, c clock.Clock) gin.HandlerFunc {
	c = clock.OrDefault(c)
	return func(ctx *gin.Context) {
		key := strings.TrimSpace(ctx.GetHeader(IdempotencyKeyHeader))
		if repo == nil || key == "" {
			ctx.Next()
			return
		}

		body, err := io.ReadAll(ctx.Request.Body)
		if err != nil {
			badRequest(ctx, "failed to read request body")
			return
		}
		ctx.Request.Body = io.NopCloser(bytes.NewReader(body))

		keyHash := idempotency.HashKey("http:"+principalFrom(ctx).UserID, key)
		reqHash := requestHash(ctx.Request.Method, ctx.Request.URL.Path, body)
		logger := loggerFrom(ctx).WithField("idempotency_key", key)

		record, err := repo.CreateProcessing(ctx.Request.Context(), keyHash, reqHash, c.Now().Add(idempotencyTTL))
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrIdempotencyHashMismatch):
				writeStatus(ctx, http.StatusConflict, codeIdempotencyConflict, "idempotency key is already used with different request payload")
			case errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists):
				replay(ctx, record)
			default:
				logger.WithError(err).Warn("failed to create idempotency record")
				writeStatus(ctx, http.StatusInternalServerError, codeInternal, "failed to initialize idempotency request")
			}
			return
		}

		recorder := &bodyRecorder{ResponseWriter: ctx.Writer}
		ctx.Writer = recorder
		ctx.Next()

		// клиент мог уже отключиться, запись всё равно фиксируется
		storeCtx := context.WithoutCancel(ctx.Request.Context())

		status := recorder.Status()
		if status >= http.StatusInternalServerError {
			if err := repo.Delete(storeCtx, keyHash); err != nil {
				logger.WithError(err).Warn("failed to drop idempotency record")
			}
			return
		}
		if err := repo.MarkDone(storeCtx, keyHash, recorder.body.Bytes(), status); err != nil {
			logger.WithError(err).Warn("failed to store idempotent response")
		}
	}
}

func replay(ctx *gin.Context, record domain.IdempotencyRecord) {
	switch {
	case record.Status.Finished():
		status := record.HTTPStatus
		if status == 0 {
			status = http.StatusOK
		}
		ctx.Header(replayedHeader, "true")
		ctx.Data(status, "application/json; charset=utf-8", record.ResponseBody)
		ctx.Abort()
	case record.Status == domain.IdempotencyStatusProcessing:
		writeStatus(ctx, http.StatusConflict, codeIdempotencyConflict, "request with the same idempotency key is already processing")
	default:
		writeStatus(ctx, http.StatusInternalServerError, codeInternal, "unknown idempotency record status")
	}
}

func requestHash(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
