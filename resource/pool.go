package resource

// Pool is the engine's set of shared lists and its random source.
type Pool struct {
	rand       Rand
	userAgents *List
	referers   *List
	paths      *List
}

// NewPool returns a Pool with empty lists. A nil r uses DefaultRand.
func NewPool(r Rand) *Pool {
	if r == nil {
		r = DefaultRand()
	}
	return &Pool{
		rand:       r,
		userAgents: NewList(nil),
		referers:   NewList(nil),
		paths:      NewList(nil),
	}
}

// Rand returns the pool's random source.
func (p *Pool) Rand() Rand { return p.rand }

func (p *Pool) UserAgents() *List { return p.userAgents }
func (p *Pool) Referers() *List   { return p.referers }
func (p *Pool) Paths() *List      { return p.paths }

// LoadUserAgents replaces the User-Agent list. On error the previous list
// is kept.
func (p *Pool) LoadUserAgents(path string) error {
	_, err := p.userAgents.Load(path)
	return err
}

// LoadReferers replaces the Referer list.
func (p *Pool) LoadReferers(path string) error {
	_, err := p.referers.Load(path)
	return err
}

// LoadPaths replaces the path template list.
func (p *Pool) LoadPaths(path string) error {
	_, err := p.paths.Load(path)
	return err
}

// RandomUserAgent returns a random User-Agent or "" when none are loaded.
func (p *Pool) RandomUserAgent() string {
	return p.userAgents.Pick(p.rand)
}

// RandomReferer returns a random Referer or "" when none are loaded.
func (p *Pool) RandomReferer() string {
	return p.referers.Pick(p.rand)
}

// RandomPath returns a loaded path template, or a generated path when no
// templates are loaded.
func (p *Pool) RandomPath() string {
	return PathFrom(p.paths, p.rand)
}

// RandomPathWithQuery is RandomPath with a random query string appended.
func (p *Pool) RandomPathWithQuery() string {
	return AppendQuery(p.rand, PathFrom(p.paths, p.rand))
}

// PathFrom picks a template from l, generating one when l is empty.
// Templates without a leading slash get one.
func PathFrom(l *List, r Rand) string {
	if l != nil {
		if t := l.Pick(r); t != "" {
			if t[0] != '/' {
				t = "/" + t
			}
			return t
		}
	}
	return GeneratePath(r)
}
