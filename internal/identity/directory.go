// Package identity is the durable directory of display names. It validates
// names, creates identities on first claim, and hands a disconnected user's
// identity back to them when they re-enter the same name.
package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/whisper/lobby/internal/store"
)

// MaxNameLength is the longest accepted display name.
const MaxNameLength = 50

var (
	ErrInvalidFormat = errors.New("identity: invalid display name")
	ErrNameTaken     = errors.New("identity: display name is in use")
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// OnlineSet reports whether an identity currently has a live session.
type OnlineSet interface {
	IsOnline(identityID string) bool
}

// Directory resolves and claims identities through the persistence gateway.
type Directory struct {
	gw       store.Gateway
	validate *validator.Validate
}

// NewDirectory creates a Directory backed by gw.
func NewDirectory(gw store.Gateway) *Directory {
	v := validator.New()
	if err := v.RegisterValidation("displayname", func(fl validator.FieldLevel) bool {
		return namePattern.MatchString(fl.Field().String())
	}); err != nil {
		panic("identity: register displayname validation: " + err.Error())
	}
	return &Directory{gw: gw, validate: v}
}

// NormalizeName trims surrounding whitespace and checks length and charset.
func (d *Directory) NormalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if err := d.validate.Var(name, fmt.Sprintf("required,max=%d,displayname", MaxNameLength)); err != nil {
		return "", fmt.Errorf("%w: %q must be 1-%d characters of letters, digits, '_' or '-'",
			ErrInvalidFormat, name, MaxNameLength)
	}
	return name, nil
}

// ResolveOrClaim returns the identity for name, creating it if it does not
// exist. It fails with ErrNameTaken when the identity exists and is online.
// A concurrent create of the same name converges on the winner's identity.
func (d *Directory) ResolveOrClaim(ctx context.Context, name string, online OnlineSet) (store.Identity, error) {
	name, err := d.NormalizeName(name)
	if err != nil {
		return store.Identity{}, err
	}

	existing, err := d.gw.FindIdentityByName(ctx, name)
	if err != nil {
		return store.Identity{}, fmt.Errorf("identity: resolve %q: %w", name, err)
	}
	if existing != nil {
		if online != nil && online.IsOnline(existing.ID) {
			return store.Identity{}, fmt.Errorf("%w: %q", ErrNameTaken, name)
		}
		return *existing, nil
	}

	created, err := d.gw.CreateIdentity(ctx, name)
	if err == nil {
		return created, nil
	}
	if !errors.Is(err, store.ErrConflict) {
		return store.Identity{}, fmt.Errorf("identity: claim %q: %w", name, err)
	}

	// Lost the create race: the winner's row is now visible.
	winner, err := d.gw.FindIdentityByName(ctx, name)
	if err != nil {
		return store.Identity{}, fmt.Errorf("identity: re-read %q: %w", name, err)
	}
	if winner == nil {
		return store.Identity{}, fmt.Errorf("identity: %q conflicted but is missing: %w", name, store.ErrUnavailable)
	}
	return *winner, nil
}

// List returns every identity ever claimed, ordered by display name.
func (d *Directory) List(ctx context.Context) ([]store.Identity, error) {
	idents, err := d.gw.ListIdentities(ctx)
	if err != nil {
		return nil, fmt.Errorf("identity: list: %w", err)
	}
	return idents, nil
}
