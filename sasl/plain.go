package sasl

// plainMechanism implements SASL PLAIN: a single round whose initial
// response is "\0user\0pass", matching S2 in spec.md §8.
type plainMechanism struct {
	user, pass string
}

func newPlain(user, pass string) *plainMechanism {
	return &plainMechanism{user: user, pass: pass}
}

func (p *plainMechanism) Name() string { return "PLAIN" }

func (p *plainMechanism) Start() ([]byte, error) {
	buf := make([]byte, 0, len(p.user)+len(p.pass)+2)
	buf = append(buf, 0)
	buf = append(buf, p.user...)
	buf = append(buf, 0)
	buf = append(buf, p.pass...)
	return buf, nil
}

func (p *plainMechanism) Step([]byte) ([]byte, bool, error) {
	// PLAIN completes in the initial response; any further STEP the
	// server requests is treated as success with no further payload.
	return nil, true, nil
}
