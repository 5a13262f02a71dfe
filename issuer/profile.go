package issuer

import (
	"encoding/pem"
	"net"

	"github.com/rs/zerolog/log"

	instruct "github.com/Asort97/happycat-vpn/clients/instruction"
)

// ProfileConfig holds the server-side pieces of every client profile.
type ProfileConfig struct {
	Port       int
	ServerName string
	TLSCrypt   []byte
}

func (i *Issuer) attachProfile(issued *Issued, secret []byte) {
	cert, ca := splitCertificates(issued.Credential.PublicArtifact)
	profile, err := instruct.RenderOVPN(instruct.ProfileInput{
		Remote:     nodeHost(issued.Node.Address),
		Port:       i.cfg.Profile.Port,
		ServerName: i.cfg.Profile.ServerName,
		CA:         ca,
		Cert:       cert,
		Key:        secret,
		TLSCrypt:   i.cfg.Profile.TLSCrypt,
	})
	if err != nil {
		log.Error().Err(err).Str("credential_id", issued.Credential.ID).Msg("Profile not rendered")
		return
	}
	issued.Profile = profile

	qr, ok, err := instruct.QRCode(profile)
	if err != nil {
		log.Warn().Err(err).Str("credential_id", issued.Credential.ID).Msg("QR code not rendered")
		return
	}
	if ok {
		issued.QR = qr
	}
}

// splitCertificates returns the first certificate of a PEM bundle and the
// rest of the chain.
func splitCertificates(bundle string) (cert, chain []byte) {
	rest := []byte(bundle)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return cert, chain
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		encoded := pem.EncodeToMemory(block)
		if cert == nil {
			cert = encoded
		} else {
			chain = append(chain, encoded...)
		}
	}
}

func nodeHost(address string) string {
	if host, _, err := net.SplitHostPort(address); err == nil {
		return host
	}
	return address
}
