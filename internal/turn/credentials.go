// Package turn issues and fetches short-lived ICE server credentials.
// The relay only brokers them; the actual TURN/STUN infrastructure is
// external.
package turn

import (
	"time"

	pionturn "github.com/pion/turn/v4"
	"github.com/pion/webrtc/v4"
)

// ICEServer is one relay/reflexive server descriptor handed to clients.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Token is the /turn-token response body.
type Token struct {
	ICEServers []ICEServer `json:"iceServers"`
	TTL        int         `json:"ttl"`
}

// WebRTCICEServers converts a token into pion ICE configuration.
func (t Token) WebRTCICEServers() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(t.ICEServers))
	for _, s := range t.ICEServers {
		out = append(out, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

// Issuer mints time-limited TURN credentials from a shared secret using
// the long-term credential scheme, and passes STUN URLs through as-is.
type Issuer struct {
	secret   string
	ttl      time.Duration
	stunURLs []string
	turnURLs []string
}

func NewIssuer(secret string, ttl time.Duration, stunURLs, turnURLs []string) *Issuer {
	return &Issuer{secret: secret, ttl: ttl, stunURLs: stunURLs, turnURLs: turnURLs}
}

func (i *Issuer) Issue() (Token, error) {
	tok := Token{TTL: int(i.ttl.Seconds())}
	if len(i.stunURLs) > 0 {
		tok.ICEServers = append(tok.ICEServers, ICEServer{URLs: i.stunURLs})
	}
	if len(i.turnURLs) > 0 {
		username, password, err := pionturn.GenerateLongTermCredentials(i.secret, i.ttl)
		if err != nil {
			return Token{}, err
		}
		tok.ICEServers = append(tok.ICEServers, ICEServer{
			URLs:       i.turnURLs,
			Username:   username,
			Credential: password,
		})
	}
	return tok, nil
}
