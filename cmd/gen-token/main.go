// Command gen-token mints HS256 bearer tokens accepted by a server running
// with LOCAL_AUTH_SHARED_SECRET.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/golang-jwt/jwt/v4"
	log "github.com/sirupsen/logrus"

	"boxboard/api"
)

func main() {
	var (
		count    = flag.Int("count", 1, "number of tokens to generate")
		prefix   = flag.String("prefix", "staff", "user id, or prefix for numbered ids when count > 1")
		audience = flag.String("aud", os.Getenv("AUTH0_AUDIENCE"), "audience claim")
		ttl      = flag.Duration("ttl", time.Hour, "token lifetime")
		output   = flag.String("output", "", "file to write all tokens as a JSON array")
		rooms    = flag.String("rooms", "", "comma-separated rooms the tokens are limited to; empty allows all")
	)
	flag.Parse()

	secret := os.Getenv("LOCAL_AUTH_SHARED_SECRET")
	if secret == "" {
		log.Fatal("LOCAL_AUTH_SHARED_SECRET must be set")
	}
	if *count < 1 {
		log.Fatal("count must be at least 1")
	}

	tokens, err := mintTokens([]byte(secret), userIDs(*prefix, *count), *audience, roomList(*rooms), *ttl, time.Now())
	if err != nil {
		log.Fatalf("mint token: %v", err)
	}
	if *output != "" {
		if err := writeTokens(*output, tokens); err != nil {
			log.Fatalf("write tokens: %v", err)
		}
	}
	fmt.Print(tokens[0])
}

func userIDs(prefix string, count int) []string {
	if count == 1 {
		return []string{prefix}
	}
	ids := make([]string, count)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s-%d", prefix, i+1)
	}
	return ids
}

func roomList(s string) []string {
	var out []string
	for _, r := range strings.Split(s, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

func mintTokens(secret []byte, users []string, audience string, rooms []string, ttl time.Duration, now time.Time) ([]string, error) {
	tokens := make([]string, len(users))
	for i, sub := range users {
		claims := api.RoomClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   sub,
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			},
			Rooms: rooms,
		}
		if audience != "" {
			claims.Audience = jwt.ClaimStrings{audience}
		}
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
		if err != nil {
			return nil, err
		}
		tokens[i] = tok
	}
	return tokens, nil
}

func writeTokens(path string, tokens []string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := sonic.ConfigStd.Marshal(tokens)
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}
