package protocol

import (
	"errors"
	"net/url"
	"strconv"
	"strings"
)

// Handshake query parameters.
const (
	ParamUserID  = "userId"
	ParamIsAdmin = "isAdmin"
	ParamToken   = "token"
	ParamSID     = "sid"
)

var ErrInvalidHandshake = errors.New("invalid handshake")

type Handshake struct {
	UserID  int64
	IsAdmin bool
	Token   string
}

func (h Handshake) Query() url.Values {
	q := url.Values{}
	q.Set(ParamUserID, strconv.FormatInt(h.UserID, 10))
	q.Set(ParamIsAdmin, strconv.FormatBool(h.IsAdmin))
	if h.Token != "" {
		q.Set(ParamToken, h.Token)
	}
	return q
}

func ParseHandshake(q url.Values) (Handshake, error) {
	uid, err := strconv.ParseInt(strings.TrimSpace(q.Get(ParamUserID)), 10, 64)
	if err != nil || uid <= 0 {
		return Handshake{}, errors.Join(ErrInvalidHandshake, errors.New("userId must be a positive integer"))
	}
	h := Handshake{UserID: uid, Token: strings.TrimSpace(q.Get(ParamToken))}
	if raw := strings.TrimSpace(q.Get(ParamIsAdmin)); raw != "" {
		admin, err := strconv.ParseBool(raw)
		if err != nil {
			return Handshake{}, errors.Join(ErrInvalidHandshake, errors.New("isAdmin must be a boolean"))
		}
		h.IsAdmin = admin
	}
	return h, nil
}
