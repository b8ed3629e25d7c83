package tlsmirror

import utls "github.com/refraction-networking/utls"

// Profile pairs a named fingerprint with the uTLS ClientHelloID that
// produces it and the TemplateParams describing its ordered shape for
// attribution and exporter binding.
type Profile struct {
	Name    string
	HelloID utls.ClientHelloID
	Params  TemplateParams
}

// KnownProfiles is the built-in set of fingerprint profiles HTX can
// mirror. Calibration picks one of these per origin rather than
// synthesizing a ClientHello from scratch, so the wire bytes always
// match a real, widely deployed client.
var KnownProfiles = []Profile{
	{
		Name:    "chrome-stable",
		HelloID: utls.HelloChrome_Auto,
		Params: TemplateParams{
			TLSVersion:          0x0304,
			CipherSuites:        []uint16{0x1301, 0x1302, 0x1303, 0xc02b, 0xc02f, 0xc02c, 0xc030, 0xcca9, 0xcca8},
			Extensions:          []uint16{0, 23, 65281, 10, 11, 35, 16, 5, 13, 18, 51, 45, 43, 27, 21},
			SupportedGroups:     []uint16{0x1d, 0x17, 0x18},
			ECPointFormats:      []uint8{0},
			ALPN:                []string{"h2", "http/1.1"},
			SignatureAlgorithms: []uint16{0x0403, 0x0804, 0x0401, 0x0503, 0x0805, 0x0501, 0x0806, 0x0601},
			CompatTag:           "compat=1.1",
		},
	},
	{
		Name:    "firefox-stable",
		HelloID: utls.HelloFirefox_Auto,
		Params: TemplateParams{
			TLSVersion:          0x0304,
			CipherSuites:        []uint16{0x1301, 0x1302, 0x1303, 0xc02b, 0xc02f, 0xcca9, 0xcca8, 0xc02c, 0xc030},
			Extensions:          []uint16{0, 23, 65281, 10, 11, 35, 16, 5, 51, 43, 13, 45, 28, 21},
			SupportedGroups:     []uint16{0x1d, 0x17, 0x18, 0x19},
			ECPointFormats:      []uint8{0},
			ALPN:                []string{"h2", "http/1.1"},
			SignatureAlgorithms: []uint16{0x0403, 0x0503, 0x0603, 0x0804, 0x0805, 0x0806, 0x0401, 0x0501},
			CompatTag:           "compat=1.1",
		},
	},
}

// ProfileByName looks up a known profile by name.
func ProfileByName(name string) (Profile, bool) {
	for _, p := range KnownProfiles {
		if p.Name == name {
			return p, true
		}
	}
	return Profile{}, false
}

// DefaultProfile is used when no per-origin override is configured.
func DefaultProfile() Profile { return KnownProfiles[0] }
