package auth

import (
	"errors"
	"strings"
)

// ErrMissingToken is returned when an Authorization header carries no
// bearer token.
var ErrMissingToken = errors.New("auth: missing or invalid bearer token")

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header value. The scheme is matched case-insensitively.
func BearerToken(header string) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrMissingToken
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

// CheckBearer reports whether header carries exactly want. An empty want
// never matches.
func CheckBearer(header, want string) error {
	got, err := BearerToken(header)
	if err != nil {
		return err
	}
	if want == "" || !ConstantTimeEqual(got, want) {
		return ErrMissingToken
	}
	return nil
}
