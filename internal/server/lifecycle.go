package server

import (
	"context"
	"time"

	"github.com/mbd888/paygate/internal/audit"
	"github.com/mbd888/paygate/internal/keystore"
	"github.com/mbd888/paygate/internal/oauth"
	"github.com/mbd888/paygate/internal/scopedtoken"
)

// Key and token lifecycle operations. There is no admin REST surface, so
// operators drive these programmatically; every change lands in the audit
// trail and, where a consumer-visible event exists, in the webhook stream.

// CreateKey mints a key, records the creation, and emits key.created.
func (s *Server) CreateKey(p keystore.CreateParams, actor string) (*keystore.Record, error) {
	rec, err := s.keys.Create(p)
	if err != nil {
		return nil, err
	}
	s.audit.Record(audit.Event{
		Action:  audit.ActionKeyCreated,
		Actor:   actor,
		Subject: rec.Key,
		Detail:  map[string]any{"name": rec.Name, "credits": rec.Credits},
	})
	s.emitter.EmitKeyCreated(rec.Namespace, rec.Key, rec.Name)
	return rec, nil
}

// RevokeKey permanently deactivates a key. Side effects fire only on the
// first revocation.
func (s *Server) RevokeKey(key, actor string) error {
	first, err := s.keys.Revoke(key)
	if err != nil {
		return err
	}
	if !first {
		return nil
	}
	s.audit.Record(audit.Event{Action: audit.ActionKeyRevoked, Actor: actor, Subject: key})
	s.emitter.EmitKeyRevoked(s.namespaceOf(key), key)
	return nil
}

// SuspendKey blocks a key without invalidating it.
func (s *Server) SuspendKey(key, actor string) error {
	if err := s.keys.Suspend(key); err != nil {
		return err
	}
	s.audit.Record(audit.Event{Action: audit.ActionKeySuspended, Actor: actor, Subject: key})
	s.emitter.EmitKeySuspended(s.namespaceOf(key), key)
	return nil
}

// ResumeKey lifts a suspension.
func (s *Server) ResumeKey(key, actor string) error {
	if err := s.keys.Resume(key); err != nil {
		return err
	}
	s.audit.Record(audit.Event{Action: audit.ActionKeyResumed, Actor: actor, Subject: key})
	return nil
}

// RotateKey replaces the key string, preserving policy and counters.
func (s *Server) RotateKey(key, actor string) (*keystore.Record, error) {
	succ, err := s.keys.Rotate(key)
	if err != nil {
		return nil, err
	}
	s.audit.Record(audit.Event{
		Action:  audit.ActionKeyRotated,
		Actor:   actor,
		Subject: key,
		Detail:  map[string]any{"successor": succ.Key},
	})
	return succ, nil
}

// UpdateKeyACL replaces the tool allow/deny lists.
func (s *Server) UpdateKeyACL(key string, allowed, denied []string, actor string) error {
	if err := s.keys.SetACL(key, allowed, denied); err != nil {
		return err
	}
	s.audit.Record(audit.Event{
		Action:  audit.ActionKeyUpdated,
		Actor:   actor,
		Subject: key,
		Detail:  map[string]any{"allowedTools": allowed, "deniedTools": denied},
	})
	return nil
}

// TopUpKey adds credits, mirroring the raise into the shared Redis balance.
func (s *Server) TopUpKey(key string, amount int64, actor string) (int64, error) {
	balance, err := s.keys.AddCredits(key, amount, keystore.EntryTopup, "manual topup")
	if err != nil {
		return 0, err
	}
	if s.sync != nil {
		if err := s.sync.AddCredits(context.Background(), key, amount); err != nil {
			s.logger.Warn("topup not mirrored to redis", "key", key, "error", err)
		}
	}
	s.audit.Record(audit.Event{
		Action:  audit.ActionCreditsAdded,
		Actor:   actor,
		Subject: key,
		Detail:  map[string]any{"amount": amount, "balance": balance},
	})
	s.emitter.EmitTopup(s.namespaceOf(key), key, amount, balance, false)
	return balance, nil
}

// RefundCall reverses one charged call: the credits come back and the quota
// that call consumed is given back.
func (s *Server) RefundCall(key string, credits int64, actor, memo string) error {
	if err := s.keys.Refund(key, credits, memo); err != nil {
		return err
	}
	s.keys.UnrecordQuota(key, credits)
	if s.sync != nil {
		if err := s.sync.AddCredits(context.Background(), key, credits); err != nil {
			s.logger.Warn("refund not mirrored to redis", "key", key, "error", err)
		}
	}
	s.audit.Record(audit.Event{
		Action:  audit.ActionCreditsAdded,
		Actor:   actor,
		Subject: key,
		Detail:  map[string]any{"amount": credits, "refund": true, "memo": memo},
	})
	return nil
}

// TransferCredits moves credits between keys.
func (s *Server) TransferCredits(fromKey, toKey string, amount int64, actor string) error {
	if err := s.keys.Transfer(fromKey, toKey, amount); err != nil {
		return err
	}
	s.audit.Record(audit.Event{
		Action:  audit.ActionCreditsMoved,
		Actor:   actor,
		Subject: fromKey,
		Detail:  map[string]any{"to": toKey, "amount": amount},
	})
	return nil
}

// IssueToken delegates a key through a scoped token.
func (s *Server) IssueToken(apiKey string, ttl time.Duration, tools []string, label, actor string) (string, error) {
	token, err := s.tokens.Issue(apiKey, ttl, tools, label)
	if err != nil {
		return "", err
	}
	s.audit.Record(audit.Event{
		Action:  audit.ActionTokenIssued,
		Actor:   actor,
		Subject: scopedtoken.Fingerprint(token),
		Detail:  map[string]any{"key": apiKey, "label": label, "ttl": ttl.String()},
	})
	return token, nil
}

// RevokeToken invalidates a scoped token everywhere. Idempotent: revoking an
// already-revoked token does nothing.
func (s *Server) RevokeToken(token, actor string) error {
	claims, err := s.tokens.Validate(token)
	if err != nil {
		if err == scopedtoken.ErrRevoked {
			return nil
		}
		return err
	}
	if err := s.tokens.Revoke(token); err != nil {
		return err
	}
	fp := scopedtoken.Fingerprint(token)
	s.audit.Record(audit.Event{Action: audit.ActionTokenRevoked, Actor: actor, Subject: fp})
	s.emitter.EmitTokenRevoked(s.namespaceOf(claims.APIKey), fp)
	return nil
}

// RegisterOAuthClient performs dynamic client registration for a key.
func (s *Server) RegisterOAuthClient(redirectURIs, scopes []string, apiKeyRef, actor string) *oauth.Client {
	client := s.oauth.RegisterClient(redirectURIs, scopes, apiKeyRef)
	s.audit.Record(audit.Event{
		Action:  audit.ActionOAuthClientReg,
		Actor:   actor,
		Subject: client.ID,
		Detail:  map[string]any{"key": apiKeyRef},
	})
	return client
}

func (s *Server) namespaceOf(key string) string {
	if rec := s.keys.GetRaw(key); rec != nil {
		return rec.Namespace
	}
	return ""
}
