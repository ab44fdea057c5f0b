package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CreateProfile inserts a new profile. The self-profile-per-user invariant
// (§3) is enforced by the unique partial index in the migration; a second
// insert with profile_type='self' for the same user fails with
// ErrUniqueViolation.
func (s *Store) CreateProfile(ctx context.Context, p Profile) (Profile, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, user_id, name, profile_type, aliases, facts, preferences, relationships, narrative, embedding, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.UserID, p.Name, string(p.ProfileType), marshalStrings(p.Aliases), marshalStrings(p.Facts),
		marshalStrings(p.Preferences), marshalStrings(p.Relationships), p.Narrative, encodeVector(p.Embedding), formatTime(p.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return Profile{}, ErrUniqueViolation
	}
	return p, err
}

// GetSelfProfile fetches the user's exactly-one self profile, if it exists.
func (s *Store) GetSelfProfile(ctx context.Context, userID string) (Profile, error) {
	row := s.db.QueryRowContext(ctx, profileSelect+` WHERE user_id = ? AND profile_type = 'self'`, userID)
	return scanProfile(row)
}

// FindContactProfile looks up a contact/entity profile by exact or
// alias-matched name (case-insensitive), for the profile tracker's dedup.
func (s *Store) FindContactProfile(ctx context.Context, userID, name string) (Profile, error) {
	rows, err := s.db.QueryContext(ctx, profileSelect+` WHERE user_id = ? AND profile_type != 'self'`, userID)
	if err != nil {
		return Profile{}, err
	}
	defer rows.Close()
	lower := strings.ToLower(name)
	for rows.Next() {
		p, err := scanProfileRows(rows)
		if err != nil {
			return Profile{}, err
		}
		if strings.ToLower(p.Name) == lower {
			return p, nil
		}
		for _, a := range p.Aliases {
			if strings.ToLower(a) == lower {
				return p, nil
			}
		}
	}
	return Profile{}, ErrNotFound
}

// UpdateProfile applies a patch's non-nil fields, capping Facts at maxFacts
// when the incoming slice exceeds it (oldest dropped first).
func (s *Store) UpdateProfile(ctx context.Context, id string, patch ProfilePatch, maxFacts int) error {
	sets := []string{}
	args := []any{}
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if patch.Aliases != nil {
		add("aliases", marshalStrings(*patch.Aliases))
	}
	if patch.Facts != nil {
		facts := *patch.Facts
		if maxFacts > 0 && len(facts) > maxFacts {
			facts = facts[len(facts)-maxFacts:]
		}
		add("facts", marshalStrings(facts))
	}
	if patch.Preferences != nil {
		add("preferences", marshalStrings(*patch.Preferences))
	}
	if patch.Relationships != nil {
		add("relationships", marshalStrings(*patch.Relationships))
	}
	if patch.Narrative != nil {
		add("narrative", *patch.Narrative)
	}
	if patch.Embedding != nil {
		add("embedding", encodeVector(*patch.Embedding))
	}
	if len(sets) == 0 {
		return nil
	}
	add("updated_at", formatTime(time.Now().UTC()))
	args = append(args, id)
	_, err := s.db.ExecContext(ctx, `UPDATE profiles SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	return err
}

const profileSelect = `SELECT id, user_id, name, profile_type, aliases, facts, preferences, relationships, narrative, embedding, updated_at FROM profiles`

func scanProfile(row *sql.Row) (Profile, error) {
	p, err := scanProfileGeneric(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, ErrNotFound
	}
	return p, err
}

func scanProfileRows(rows *sql.Rows) (Profile, error) { return scanProfileGeneric(rows) }

func scanProfileGeneric(r rowScanner) (Profile, error) {
	var p Profile
	var profileType, aliases, facts, preferences, relationships, updatedAt string
	var embedding []byte
	err := r.Scan(&p.ID, &p.UserID, &p.Name, &profileType, &aliases, &facts, &preferences, &relationships, &p.Narrative, &embedding, &updatedAt)
	if err != nil {
		return Profile{}, err
	}
	p.ProfileType = ProfileType(profileType)
	p.Aliases = unmarshalStrings(aliases)
	p.Facts = unmarshalStrings(facts)
	p.Preferences = unmarshalStrings(preferences)
	p.Relationships = unmarshalStrings(relationships)
	p.Embedding = decodeVector(embedding)
	p.UpdatedAt = parseTime(updatedAt)
	return p, nil
}
