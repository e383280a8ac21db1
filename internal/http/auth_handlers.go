package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/Dzakiart19/hostingtele/internal/domain"
	"github.com/Dzakiart19/hostingtele/internal/service/auth"
)

const maxLoginBody = 16 << 10

type userView struct {
	TelegramID int64  `json:"telegram_id"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name,omitempty"`
	Username   string `json:"username,omitempty"`
	PhotoURL   string `json:"photo_url,omitempty"`
}

func toUserView(u *domain.User) userView {
	return userView{
		TelegramID: u.TelegramID,
		FirstName:  u.FirstName,
		LastName:   u.LastName,
		Username:   u.Username,
		PhotoURL:   u.PhotoURL,
	}
}

func (r *Router) handleTelegramLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	req.Body = http.MaxBytesReader(w, req.Body, maxLoginBody)
	fields, err := readAssertionFields(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	assertion, err := auth.ParseAssertion(fields)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	session, user, err := r.auth.VerifyAndIssue(req.Context(), assertion)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": session.AccessToken,
		"token_type":   session.TokenType,
		"expires_at":   session.ExpiresAt.UTC().Format(time.RFC3339),
		"user":         toUserView(user),
	})
}

// readAssertionFields accepts the widget payload as a flat JSON object or as a
// form. Values are kept in their textual form since they feed the signed
// check string.
func readAssertionFields(req *http.Request) (map[string]string, error) {
	mediaType, _, _ := mime.ParseMediaType(req.Header.Get("Content-Type"))
	if mediaType == "application/x-www-form-urlencoded" || mediaType == "multipart/form-data" {
		parse := req.ParseForm
		if mediaType == "multipart/form-data" {
			parse = func() error { return req.ParseMultipartForm(maxLoginBody) }
		}
		if err := parse(); err != nil {
			return nil, errors.New("invalid form body")
		}
		fields := make(map[string]string, len(req.PostForm))
		for key, values := range req.PostForm {
			if len(values) > 0 {
				fields[key] = values[0]
			}
		}
		return fields, nil
	}

	var raw map[string]any
	dec := json.NewDecoder(req.Body)
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	fields := make(map[string]string, len(raw))
	for key, value := range raw {
		switch v := value.(type) {
		case nil:
		case string:
			fields[key] = v
		case json.Number:
			fields[key] = v.String()
		case bool:
			fields[key] = strconv.FormatBool(v)
		default:
			return nil, fmt.Errorf("field %q must be a scalar", key)
		}
	}
	return fields, nil
}

func (r *Router) handleMe(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for profile", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": toUserView(info.User)})
}
