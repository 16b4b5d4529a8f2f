package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"tg-channel-digest/internal/usecase/payments"
)

// maxWebhookBody ограничивает размер тела вебхука.
const maxWebhookBody = 1 << 20

// Server принимает платёжные вебхуки и отдаёт health-статус.
type Server struct {
	log      zerolog.Logger
	payments *payments.Service
	secret   string
}

// NewServer создаёт HTTP сервер платежей.
func NewServer(log zerolog.Logger, paymentsService *payments.Service, secret string) *Server {
	return &Server{log: log, payments: paymentsService, secret: secret}
}

// Router собирает маршруты сервера.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/webhook", s.handleWebhook)
	r.Get("/health", s.handleHealth)
	return r
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "не удалось прочитать тело запроса")
		return
	}

	var webhook payments.Webhook
	if err := json.Unmarshal(body, &webhook); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "не удалось разобрать вебхук")
		return
	}

	// Подпись берётся из заголовка, при его отсутствии — из поля signature
	// тела; подпись из тела считается по вебхуку без самого поля.
	signature := r.Header.Get("X-Signature")
	payload := body
	if signature == "" && webhook.Signature != "" {
		signature = webhook.Signature
		stripped := webhook
		stripped.Signature = ""
		if canonical, err := json.Marshal(stripped); err == nil {
			payload = canonical
		}
	}
	if !payments.VerifySignature(s.secret, payload, signature) {
		s.log.Warn().Str("remote", r.RemoteAddr).Msg("webhook: неверная подпись")
		writeError(w, http.StatusForbidden, "invalid_signature", "подпись не прошла проверку")
		return
	}

	result, err := s.payments.Apply(r.Context(), webhook, body)
	if err != nil {
		s.log.Error().Err(err).Str("ext_id", webhook.ExtID).Msg("webhook: обработка не удалась")
		writeError(w, http.StatusInternalServerError, "internal_error", "вебхук не обработан")
		return
	}

	status := "stored"
	switch {
	case result.Applied:
		status = "applied"
	case result.Duplicate:
		status = "duplicate"
	case result.UnknownUser:
		status = "unknown_user"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
