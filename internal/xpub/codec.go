package xpub

import (
	"encoding/json"
	"fmt"
)

// Event-type discriminators stored in bria_xpub_events.event_type, mirroring
// original_source's serde-tagged XPubEvent enum.
const (
	eventInitialized   = "initialized"
	eventNameUpdated   = "name_updated"
	eventSignerUpdated = "signer_updated"
)

type initializedPayload struct {
	AccountID         string `json:"account_id"`
	KeyName           string `json:"key_name"`
	Fingerprint       string `json:"fingerprint"`
	ParentFingerprint string `json:"parent_fingerprint"`
	Original          string `json:"original"`
	DerivationDepth   uint8  `json:"derivation_depth"`
}

type nameUpdatedPayload struct {
	Name string `json:"name"`
}

type signerUpdatedPayload struct {
	Kind        string `json:"kind"`
	Endpoint    string `json:"endpoint"`
	MacaroonHex string `json:"macaroon_hex,omitempty"`
	TLSCertHex  string `json:"tls_cert_hex,omitempty"`
	RPCUser     string `json:"rpc_user,omitempty"`
	RPCPass     string `json:"rpc_pass,omitempty"`
}

// encodeEvent serializes one XPubEvent to its (event_type, payload_json)
// storage representation.
func encodeEvent(e XPubEvent) (eventType string, payload []byte, err error) {
	switch {
	case e.Initialized != nil:
		init := e.Initialized
		payload, err = json.Marshal(initializedPayload{
			AccountID:         init.AccountID.String(),
			KeyName:           init.KeyName,
			Fingerprint:       init.Fingerprint.String(),
			ParentFingerprint: init.ParentFingerprint.String(),
			Original:          init.Original,
			DerivationDepth:   init.DerivationDepth,
		})
		return eventInitialized, payload, err
	case e.NameUpdated != nil:
		payload, err = json.Marshal(nameUpdatedPayload{Name: e.NameUpdated.Name})
		return eventNameUpdated, payload, err
	case e.SignerUpdated != nil:
		p := signerUpdatedPayload{}
		switch cfg := e.SignerUpdated.Config.(type) {
		case LndSignerConfig:
			p.Kind, p.Endpoint, p.MacaroonHex, p.TLSCertHex = "lnd", cfg.Endpoint, cfg.MacaroonHex, cfg.TLSCertHex
		case BitcoindSignerConfig:
			p.Kind, p.Endpoint, p.RPCUser, p.RPCPass = "bitcoind", cfg.Endpoint, cfg.RPCUser, cfg.RPCPass
		default:
			return "", nil, fmt.Errorf("xpub: unknown signer config type %T", cfg)
		}
		payload, err = json.Marshal(p)
		return eventSignerUpdated, payload, err
	default:
		return "", nil, fmt.Errorf("xpub: empty event has no variant set")
	}
}

// decodeEvent is the inverse of encodeEvent, used when rehydrating an
// AccountXPub from bria_xpub_events rows.
func decodeEvent(eventType string, payload []byte) (XPubEvent, error) {
	switch eventType {
	case eventInitialized:
		var p initializedPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return XPubEvent{}, fmt.Errorf("decode initialized event: %w", err)
		}
		accountID, err := parseIDField(p.AccountID)
		if err != nil {
			return XPubEvent{}, err
		}
		fp, err := parseFingerprint(p.Fingerprint)
		if err != nil {
			return XPubEvent{}, err
		}
		parentFP, err := parseFingerprint(p.ParentFingerprint)
		if err != nil {
			return XPubEvent{}, err
		}
		return XPubEvent{Initialized: &Initialized{
			AccountID:         accountID,
			KeyName:           p.KeyName,
			Fingerprint:       fp,
			ParentFingerprint: parentFP,
			Original:          p.Original,
			DerivationDepth:   p.DerivationDepth,
		}}, nil
	case eventNameUpdated:
		var p nameUpdatedPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return XPubEvent{}, fmt.Errorf("decode name_updated event: %w", err)
		}
		return XPubEvent{NameUpdated: &NameUpdated{Name: p.Name}}, nil
	case eventSignerUpdated:
		var p signerUpdatedPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return XPubEvent{}, fmt.Errorf("decode signer_updated event: %w", err)
		}
		var cfg SignerConfig
		switch p.Kind {
		case "lnd":
			cfg = LndSignerConfig{Endpoint: p.Endpoint, MacaroonHex: p.MacaroonHex, TLSCertHex: p.TLSCertHex}
		case "bitcoind":
			cfg = BitcoindSignerConfig{Endpoint: p.Endpoint, RPCUser: p.RPCUser, RPCPass: p.RPCPass}
		default:
			return XPubEvent{}, fmt.Errorf("decode signer_updated event: unknown kind %q", p.Kind)
		}
		return XPubEvent{SignerUpdated: &SignerUpdated{Config: cfg}}, nil
	default:
		return XPubEvent{}, fmt.Errorf("xpub: unknown event type %q", eventType)
	}
}
