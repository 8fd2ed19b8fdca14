package sasl

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
)

// cramMD5Mechanism implements SASL CRAM-MD5: the client sends an empty
// initial response, then replies to the server's challenge with
// "user hex(hmac-md5(pass, challenge))".
type cramMD5Mechanism struct {
	user, pass string
}

func newCRAMMD5(user, pass string) *cramMD5Mechanism {
	return &cramMD5Mechanism{user: user, pass: pass}
}

func (c *cramMD5Mechanism) Name() string { return "CRAM-MD5" }

func (c *cramMD5Mechanism) Start() ([]byte, error) {
	return nil, nil
}

func (c *cramMD5Mechanism) Step(challenge []byte) ([]byte, bool, error) {
	mac := hmac.New(md5.New, []byte(c.pass))
	mac.Write(challenge)
	digest := hex.EncodeToString(mac.Sum(nil))
	return []byte(c.user + " " + digest), true, nil
}
