// Package auth verifies and issues the signed tokens that admit widget
// visitors and agents into their websocket namespaces.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"validchat/internal/model"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrKindMismatch = errors.New("token kind mismatch")
)

// tokenClaims is the JWT body shared by widget and agent tokens.
// Agent tokens carry the agent id in "sub".
type tokenClaims struct {
	Kind           model.Kind `json:"kind"`
	CompanyID      int64      `json:"companyId"`
	ConversationID int64      `json:"conversationId,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 tokens against a process-wide secret.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewVerifier creates a verifier for tokens signed with secret.
func NewVerifier(secret []byte) *Verifier {
	return &Verifier{
		secret: secret,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

// Verify checks the signature and expiry of tokenString and returns its claim.
// It never panics; every failure is reported as ErrInvalidToken or ErrExpiredToken.
func (v *Verifier) Verify(tokenString string) (*model.Claim, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	var claims tokenClaims
	token, err := v.parser.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claim := &model.Claim{
		Kind:           claims.Kind,
		CompanyID:      claims.CompanyID,
		ConversationID: claims.ConversationID,
		ExpiresAt:      claims.ExpiresAt.Time,
	}

	switch claims.Kind {
	case model.KindWidget:
		if claims.CompanyID == 0 || claims.ConversationID == 0 {
			return nil, fmt.Errorf("%w: widget token missing scope", ErrInvalidToken)
		}
	case model.KindAgent:
		agentID, err := strconv.ParseInt(claims.Subject, 10, 64)
		if err != nil || agentID == 0 || claims.CompanyID == 0 {
			return nil, fmt.Errorf("%w: agent token missing scope", ErrInvalidToken)
		}
		claim.AgentID = agentID
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidToken, claims.Kind)
	}

	return claim, nil
}

// VerifyKind verifies tokenString and additionally requires its discriminant to be kind.
func (v *Verifier) VerifyKind(tokenString string, kind model.Kind) (*model.Claim, error) {
	claim, err := v.Verify(tokenString)
	if err != nil {
		return nil, err
	}
	if claim.Kind != kind {
		return nil, ErrKindMismatch
	}
	return claim, nil
}

// Issuer mints widget and agent tokens.
type Issuer struct {
	secret    []byte
	widgetTTL time.Duration
	agentTTL  time.Duration
	now       func() time.Time
}

// NewIssuer creates an issuer signing with secret.
func NewIssuer(secret []byte, widgetTTL, agentTTL time.Duration) *Issuer {
	return &Issuer{
		secret:    secret,
		widgetTTL: widgetTTL,
		agentTTL:  agentTTL,
		now:       time.Now,
	}
}

// IssueWidget signs a token admitting a visitor to one conversation.
func (i *Issuer) IssueWidget(companyID, conversationID int64) (string, error) {
	return i.sign(tokenClaims{
		Kind:           model.KindWidget,
		CompanyID:      companyID,
		ConversationID: conversationID,
	}, i.widgetTTL)
}

// IssueAgent signs a token admitting an agent of companyID.
func (i *Issuer) IssueAgent(agentID, companyID int64) (string, error) {
	return i.sign(tokenClaims{
		Kind:      model.KindAgent,
		CompanyID: companyID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: strconv.FormatInt(agentID, 10),
		},
	}, i.agentTTL)
}

func (i *Issuer) sign(claims tokenClaims, ttl time.Duration) (string, error) {
	now := i.now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
