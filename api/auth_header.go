package api

import (
	"errors"
	"strings"
)

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errBadAuthorization     = errors.New("bad auth header")
	errRoomForbidden        = errors.New("room not permitted")
)

const bearerPrefix = "Bearer "

// bearerTokenFromString returns the JWT part of an Authorization value.
func bearerTokenFromString(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errMissingAuthorization
	}
	token, ok := strings.CutPrefix(raw, bearerPrefix)
	if !ok || token == "" || strings.Count(token, ".") != 2 {
		return "", errBadAuthorization
	}
	return token, nil
}

// authHeader prefers the Authorization header and falls back to a token
// query parameter, which EventSource clients cannot avoid.
func authHeader(header, queryToken string) string {
	if header == "" && queryToken != "" {
		return bearerPrefix + queryToken
	}
	return header
}
