package restsync

import (
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// unverified claim inspection for the bearer token attached to requests.
// verification is the server's job. the client only needs to look at
// expiry and identity claims

type ByJwt struct {
	Raw    string
	Claims gojwt.MapClaims
}

func ParseByJwtUnverified(jwt string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	return &ByJwt{
		Raw:    jwt,
		Claims: claims,
	}, nil
}

func (self *ByJwt) IsExpired() bool {
	expirationTime, err := self.Claims.GetExpirationTime()
	if err != nil || expirationTime == nil {
		// no exp claim, treat as not expiring
		return false
	}
	return expirationTime.Before(time.Now())
}

func (self *ByJwt) Subject() string {
	subject, err := self.Claims.GetSubject()
	if err != nil {
		return ""
	}
	return subject
}
