// Пакет errors — единый формат ошибок HTTP API брокера.
// Формат: {"error": {"code": "...", "kind": "...", "message": "...", "verdicts": [...]}}.
// Ошибки бизнес-логики (*problem.Error) пишутся через WriteProblem,
// ошибки транспорта (аутентификация, разбор тела) — через конструкторы ниже.
package errors

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/bigkaa/sysuser-broker/internal/domain/model"
	"github.com/bigkaa/sysuser-broker/internal/domain/problem"
)

// Коды ошибок транспортного уровня.
const (
	CodeValidationError  = "VALIDATION_ERROR"
	CodeNotFound         = "NOT_FOUND"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeForbidden        = "FORBIDDEN"
	CodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	CodeInternalError    = "INTERNAL_ERROR"
)

// errorBody — структура тела ответа ошибки.
type errorBody struct {
	Error errorDetail `json:"error"`
}

// errorDetail — детали ошибки.
type errorDetail struct {
	Code     string          `json:"code"`
	Kind     string          `json:"kind,omitempty"`
	Message  string          `json:"message"`
	Verdicts []model.Verdict `json:"verdicts,omitempty"`
}

func write(w http.ResponseWriter, statusCode int, detail errorDetail) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{Error: detail})
}

// WriteError записывает ошибку транспортного уровня.
// statusCode — HTTP статус-код, code — машиночитаемый код, message — описание.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	write(w, statusCode, errorDetail{Code: code, Message: message})
}

// WriteProblem отображает ошибку бизнес-логики ровно на один ответ.
// Код, статус и заголовок берутся из реестра problem; ошибки без вида
// пишутся как 500 INTERNAL_ERROR и логируются, причина клиенту не раскрывается.
func WriteProblem(w http.ResponseWriter, err error) {
	var pe *problem.Error
	if !errors.As(err, &pe) || pe.Kind == problem.KindUnknown {
		slog.Error("Необработанная ошибка", slog.String("error", errString(err)))
		InternalError(w, "Внутренняя ошибка сервера")
		return
	}

	d := pe.Kind.Describe()
	msg := d.Title
	if pe.Detail != "" {
		msg += ": " + pe.Detail
	}
	if d.Status >= http.StatusInternalServerError && pe.Err != nil {
		slog.Error("Ошибка обработки запроса",
			slog.String("code", d.Code),
			slog.String("kind", d.Name),
			slog.String("error", pe.Err.Error()),
		)
	}

	write(w, d.Status, errorDetail{
		Code:     d.Code,
		Kind:     d.Name,
		Message:  msg,
		Verdicts: pe.Verdicts,
	})
}

func errString(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}

// --- Конструкторы для типичных ошибок ---

// ValidationError — 400 некорректные входные данные.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message)
}

// NotFound — 404 ресурс не найден.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// MethodNotAllowed — 405 метод не поддерживается.
func MethodNotAllowed(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, message)
}

// Unauthorized — 401 требуется аутентификация.
func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, message)
}

// Forbidden — 403 недостаточно прав.
func Forbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, CodeForbidden, message)
}

// InternalError — 500 внутренняя ошибка.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}
