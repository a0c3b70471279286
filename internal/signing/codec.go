package signing

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Event-type discriminators stored in bria_signing_session_events.event_type.
const (
	eventInitialized              = "initialized"
	eventRemoteSigningRoundFailed = "remote_signing_round_failed"
	eventRemoteSigningSucceeded   = "remote_signing_succeeded"
	eventCompleted                = "completed"
)

type initializedPayload struct {
	AccountID    string `json:"account_id"`
	BatchID      string `json:"batch_id"`
	WalletID     string `json:"wallet_id"`
	KeychainID   string `json:"keychain_id"`
	XPubID       string `json:"xpub_id"`
	UnsignedPSBT string `json:"unsigned_psbt"`
}

type roundFailedPayload struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

type succeededPayload struct {
	SignedPSBT string `json:"signed_psbt"`
}

func encodeEvent(e SessionEvent) (eventType string, payload []byte, err error) {
	switch {
	case e.Initialized != nil:
		init := e.Initialized
		payload, err = json.Marshal(initializedPayload{
			AccountID:    init.AccountID.String(),
			BatchID:      init.BatchID.String(),
			WalletID:     init.WalletID.String(),
			KeychainID:   init.KeychainID.String(),
			XPubID:       init.XPubID.String(),
			UnsignedPSBT: base64.StdEncoding.EncodeToString(init.UnsignedPSBT),
		})
		return eventInitialized, payload, err
	case e.RemoteSigningRoundFailed != nil:
		f := e.RemoteSigningRoundFailed
		payload, err = json.Marshal(roundFailedPayload{Kind: string(f.Kind), Reason: f.Reason})
		return eventRemoteSigningRoundFailed, payload, err
	case e.RemoteSigningSucceeded != nil:
		payload, err = json.Marshal(succeededPayload{
			SignedPSBT: base64.StdEncoding.EncodeToString(e.RemoteSigningSucceeded.SignedPSBT),
		})
		return eventRemoteSigningSucceeded, payload, err
	case e.Completed != nil:
		return eventCompleted, []byte("{}"), nil
	default:
		return "", nil, fmt.Errorf("signing: empty event has no variant set")
	}
}

func decodeEvent(eventType string, payload []byte) (SessionEvent, error) {
	switch eventType {
	case eventInitialized:
		var p initializedPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return SessionEvent{}, fmt.Errorf("decode initialized event: %w", err)
		}
		accountID, err := parseAccountID(p.AccountID)
		if err != nil {
			return SessionEvent{}, err
		}
		batchID, err := parseBatchID(p.BatchID)
		if err != nil {
			return SessionEvent{}, err
		}
		walletID, err := parseWalletID(p.WalletID)
		if err != nil {
			return SessionEvent{}, err
		}
		keychainID, err := parseKeychainID(p.KeychainID)
		if err != nil {
			return SessionEvent{}, err
		}
		xpubID, err := parseXPubID(p.XPubID)
		if err != nil {
			return SessionEvent{}, err
		}
		unsignedPSBT, err := base64.StdEncoding.DecodeString(p.UnsignedPSBT)
		if err != nil {
			return SessionEvent{}, fmt.Errorf("decode initialized event: %w", err)
		}
		return SessionEvent{Initialized: &Initialized{
			AccountID:    accountID,
			BatchID:      batchID,
			WalletID:     walletID,
			KeychainID:   keychainID,
			XPubID:       xpubID,
			UnsignedPSBT: unsignedPSBT,
		}}, nil
	case eventRemoteSigningRoundFailed:
		var p roundFailedPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return SessionEvent{}, fmt.Errorf("decode remote_signing_round_failed event: %w", err)
		}
		return SessionEvent{RemoteSigningRoundFailed: &RemoteSigningRoundFailed{Kind: FailureKind(p.Kind), Reason: p.Reason}}, nil
	case eventRemoteSigningSucceeded:
		var p succeededPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return SessionEvent{}, fmt.Errorf("decode remote_signing_succeeded event: %w", err)
		}
		signed, err := base64.StdEncoding.DecodeString(p.SignedPSBT)
		if err != nil {
			return SessionEvent{}, fmt.Errorf("decode remote_signing_succeeded event: %w", err)
		}
		return SessionEvent{RemoteSigningSucceeded: &RemoteSigningSucceeded{SignedPSBT: signed}}, nil
	case eventCompleted:
		return SessionEvent{Completed: &struct{}{}}, nil
	default:
		return SessionEvent{}, fmt.Errorf("signing: unknown event type %q", eventType)
	}
}
