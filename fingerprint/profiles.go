// Package fingerprint holds browser profiles: a User-Agent, the navigation
// headers that browser sends and the uTLS ClientHello that matches it.
//
// The engine uses profiles in two places. When random User-Agents are
// requested but no list has been loaded, the profile User-Agents are the
// fallback pool. When a request names a profile through tlsFingerprint, the
// TLS handshake is made with that profile's ClientHello and the User-Agent
// follows the profile unless one was given explicitly.
package fingerprint

import (
	"sort"
	"strings"

	tls "github.com/sardanioss/utls"
)

// Profile describes one browser.
type Profile struct {
	Name          string
	ClientHelloID tls.ClientHelloID
	UserAgent     string
	Headers       map[string]string
}

const chromeAccept = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7"

func chrome(name, version, platform, uaOS string, id tls.ClientHelloID) *Profile {
	return &Profile{
		Name:          name,
		ClientHelloID: id,
		UserAgent:     "Mozilla/5.0 " + uaOS + " AppleWebKit/537.36 (KHTML, like Gecko) Chrome/" + version + ".0.0.0 Safari/537.36",
		Headers: map[string]string{
			// Low-entropy client hints only; the rest need Accept-CH.
			"sec-ch-ua":                 `"Google Chrome";v="` + version + `", "Chromium";v="` + version + `", "Not_A Brand";v="24"`,
			"sec-ch-ua-mobile":          "?0",
			"sec-ch-ua-platform":        `"` + platform + `"`,
			"Upgrade-Insecure-Requests": "1",
			"Accept":                    chromeAccept,
			"Sec-Fetch-Site":            "none",
			"Sec-Fetch-Mode":            "navigate",
			"Sec-Fetch-User":            "?1",
			"Sec-Fetch-Dest":            "document",
			"Accept-Language":           "en-US,en;q=0.9",
		},
	}
}

func firefox(name, uaOS string) *Profile {
	return &Profile{
		Name:          name,
		ClientHelloID: tls.HelloFirefox_120,
		UserAgent:     "Mozilla/5.0 " + uaOS + " Gecko/20100101 Firefox/133.0",
		Headers: map[string]string{
			"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
			"Accept-Language": "en-US,en;q=0.5",
			"Sec-Fetch-Dest":  "document",
			"Sec-Fetch-Mode":  "navigate",
			"Sec-Fetch-Site":  "none",
			"Sec-Fetch-User":  "?1",
		},
	}
}

func safari() *Profile {
	return &Profile{
		Name:          "safari-18",
		ClientHelloID: tls.HelloSafari_16_0,
		UserAgent:     "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.0 Safari/605.1.15",
		Headers: map[string]string{
			"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
			"Accept-Language": "en-US,en;q=0.9",
			"Sec-Fetch-Dest":  "document",
			"Sec-Fetch-Mode":  "navigate",
			"Sec-Fetch-Site":  "none",
		},
	}
}

var profiles = map[string]func() *Profile{
	"chrome-131-windows": func() *Profile {
		return chrome("chrome-131-windows", "131", "Windows", "(Windows NT 10.0; Win64; x64)", tls.HelloChrome_131)
	},
	"chrome-133-windows": func() *Profile {
		return chrome("chrome-133-windows", "133", "Windows", "(Windows NT 10.0; Win64; x64)", tls.HelloChrome_133)
	},
	"chrome-133-macos": func() *Profile {
		return chrome("chrome-133-macos", "133", "macOS", "(Macintosh; Intel Mac OS X 10_15_7)", tls.HelloChrome_133)
	},
	"chrome-133-linux": func() *Profile {
		return chrome("chrome-133-linux", "133", "Linux", "(X11; Linux x86_64)", tls.HelloChrome_133)
	},
	"firefox-133-windows": func() *Profile {
		return firefox("firefox-133-windows", "(Windows NT 10.0; Win64; x64; rv:133.0)")
	},
	"firefox-133-linux": func() *Profile {
		return firefox("firefox-133-linux", "(X11; Linux x86_64; rv:133.0)")
	},
	"safari-18": safari,
}

// aliases map short names to a concrete profile.
var aliases = map[string]string{
	"chrome":  "chrome-133-windows",
	"firefox": "firefox-133-windows",
	"safari":  "safari-18",
}

// Lookup returns a fresh copy of the named profile. Names are
// case-insensitive and the short forms "chrome", "firefox" and "safari"
// are accepted.
func Lookup(name string) (*Profile, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if alias, ok := aliases[name]; ok {
		name = alias
	}
	fn, ok := profiles[name]
	if !ok {
		return nil, false
	}
	return fn(), true
}

// Available returns the sorted profile names.
func Available() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// UserAgents returns the User-Agent of every profile, in Available order.
// It is the fallback pool for random User-Agents.
func UserAgents() []string {
	names := Available()
	uas := make([]string, 0, len(names))
	for _, name := range names {
		uas = append(uas, profiles[name]().UserAgent)
	}
	return uas
}
