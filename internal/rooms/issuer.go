// Package rooms issues the signed tokens participants present to the video room.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/wolfman30/telehealth-booking/internal/apperr"
	"github.com/wolfman30/telehealth-booking/internal/clock"
	"github.com/wolfman30/telehealth-booking/internal/consultations"
	"github.com/wolfman30/telehealth-booking/pkg/logging"
)

// Claims identify one participant of one room.
type Claims struct {
	RoomID string              `json:"room"`
	UID    uint32              `json:"uid"`
	Party  consultations.Party `json:"party"`
	jwt.RegisteredClaims
}

// Issuer signs HMAC room tokens. Tokens are minted once per session and reused
// until a transition clears them.
type Issuer struct {
	db     consultations.DB
	secret []byte
	ttl    time.Duration
	clock  clock.Clock
	logger *logging.Logger
}

func NewIssuer(db consultations.DB, secret string, ttl time.Duration, c clock.Clock, logger *logging.Logger) *Issuer {
	if db == nil || c == nil {
		panic("rooms: db and clock required")
	}
	if secret == "" {
		panic("rooms: token secret required")
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Issuer{db: db, secret: []byte(secret), ttl: ttl, clock: c, logger: logger}
}

// EnsureTokens returns the stored pair or mints one. Concurrent callers converge on
// whichever pair was stored first.
func (i *Issuer) EnsureTokens(ctx context.Context, consultationID uuid.UUID) (string, string, error) {
	store := consultations.NewStore(i.db)
	c, err := store.Get(ctx, consultationID)
	if err != nil {
		return "", "", err
	}
	if !c.Status.IsActive() {
		return "", "", apperr.InvalidState("room access is closed for a consultation in status %s", c.Status)
	}
	session, err := store.GetSession(ctx, consultationID)
	if err != nil {
		return "", "", err
	}
	if session.HasTokens() {
		return *session.PatientToken, *session.ProviderToken, nil
	}

	now := i.clock.Now()
	patientToken, err := i.sign(session, consultations.PartyPatient, c.PatientID, now)
	if err != nil {
		return "", "", err
	}
	providerToken, err := i.sign(session, consultations.PartyProvider, c.ProviderID, now)
	if err != nil {
		return "", "", err
	}

	stored, err := store.SetTokens(ctx, consultationID, patientToken, providerToken, now)
	if err != nil {
		return "", "", err
	}
	if stored {
		i.logger.Info("room tokens issued", "consultation_id", consultationID, "room_id", session.RoomID)
		return patientToken, providerToken, nil
	}

	session, err = store.GetSession(ctx, consultationID)
	if err != nil {
		return "", "", err
	}
	if !session.HasTokens() {
		return "", "", apperr.ConcurrencyConflict("room tokens were cleared while being issued")
	}
	return *session.PatientToken, *session.ProviderToken, nil
}

func (i *Issuer) sign(session *consultations.SessionRecord, party consultations.Party, userID uuid.UUID, now time.Time) (string, error) {
	uid := session.PatientUID
	if party == consultations.PartyProvider {
		uid = session.ProviderUID
	}
	claims := Claims{
		RoomID: session.RoomID,
		UID:    uid,
		Party:  party,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID.String(),
			Audience:  jwt.ClaimStrings{session.RoomID},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(session.ScheduledAt.Add(i.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("rooms: sign %s token: %w", party, err)
	}
	return signed, nil
}

// Verify parses a room token and checks it was minted for room.
func (i *Issuer) Verify(token, room string) (*Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return i.secret, nil
	}, jwt.WithAudience(room), jwt.WithTimeFunc(i.clock.Now))
	if err != nil {
		return nil, fmt.Errorf("rooms: verify token: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("rooms: invalid token")
	}
	return &claims, nil
}
