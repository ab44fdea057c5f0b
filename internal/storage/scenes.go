package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CreateScene starts a new episodic cluster.
func (s *Store) CreateScene(ctx context.Context, sc Scene) (Scene, error) {
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	if sc.StartTime.IsZero() {
		sc.StartTime = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scenes (id, user_id, summary, participants, centroid, location, start_time, end_time, memory_count, closed)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		sc.ID, sc.UserID, sc.Summary, marshalStrings(sc.Participants), encodeVector(sc.Centroid),
		nullableString(sc.Location), formatTime(sc.StartTime), nullableTime(sc.EndTime), sc.MemoryCount, boolToInt(sc.Closed),
	)
	return sc, err
}

// GetScene fetches one scene by id.
func (s *Store) GetScene(ctx context.Context, id string) (Scene, error) {
	row := s.db.QueryRowContext(ctx, sceneSelect+` WHERE id = ?`, id)
	return scanScene(row)
}

// OpenScenesForUser returns the user's not-yet-closed scenes, most recently
// active first — the candidate set scene-boundary detection checks against.
func (s *Store) OpenScenesForUser(ctx context.Context, userID string) ([]Scene, error) {
	rows, err := s.db.QueryContext(ctx, sceneSelect+` WHERE user_id = ? AND closed = 0 ORDER BY start_time DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Scene
	for rows.Next() {
		sc, err := scanSceneRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// ListScenesForUser returns recent scenes regardless of closed state.
func (s *Store) ListScenesForUser(ctx context.Context, userID string, limit int) ([]Scene, error) {
	rows, err := s.db.QueryContext(ctx, sceneSelect+` WHERE user_id = ? ORDER BY start_time DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Scene
	for rows.Next() {
		sc, err := scanSceneRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// UpdateScene applies a patch's non-nil fields.
func (s *Store) UpdateScene(ctx context.Context, id string, patch ScenePatch) error {
	sets := []string{}
	args := []any{}
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if patch.Summary != nil {
		add("summary", *patch.Summary)
	}
	if patch.Participants != nil {
		add("participants", marshalStrings(*patch.Participants))
	}
	if patch.Centroid != nil {
		add("centroid", encodeVector(*patch.Centroid))
	}
	if patch.Location != nil {
		add("location", *patch.Location)
	}
	if patch.EndTime != nil {
		add("end_time", formatTime(*patch.EndTime))
	}
	if patch.MemoryCount != nil {
		add("memory_count", *patch.MemoryCount)
	}
	if patch.Closed != nil {
		add("closed", boolToInt(*patch.Closed))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	_, err := s.db.ExecContext(ctx, `UPDATE scenes SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	return err
}

// AddMemoryToScene records the scene/memory junction row and sets the
// memory's scene_id — junction-table-only relations per Design Notes.
func (s *Store) AddMemoryToScene(ctx context.Context, sceneID, memoryID string, weights Decay) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO scene_memories (scene_id, memory_id) VALUES (?, ?)`, sceneID, memoryID); err != nil {
			return err
		}
		return s.updateMemoryTx(ctx, tx, memoryID, MemoryPatch{SceneID: &sceneID}, weights)
	})
}

// MemoryIDsForScene returns the memory ids linked to a scene via the
// junction table.
func (s *Store) MemoryIDsForScene(ctx context.Context, sceneID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT memory_id FROM scene_memories WHERE scene_id = ?`, sceneID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

const sceneSelect = `SELECT id, user_id, summary, participants, centroid, location, start_time, end_time, memory_count, closed FROM scenes`

func scanScene(row *sql.Row) (Scene, error) {
	sc, err := scanSceneGeneric(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Scene{}, ErrNotFound
	}
	return sc, err
}

func scanSceneRows(rows *sql.Rows) (Scene, error) { return scanSceneGeneric(rows) }

func scanSceneGeneric(r rowScanner) (Scene, error) {
	var sc Scene
	var participants string
	var centroid []byte
	var location, endTime sql.NullString
	var startTime string
	var closed int
	err := r.Scan(&sc.ID, &sc.UserID, &sc.Summary, &participants, &centroid, &location, &startTime, &endTime, &sc.MemoryCount, &closed)
	if err != nil {
		return Scene{}, err
	}
	sc.Participants = unmarshalStrings(participants)
	sc.Centroid = decodeVector(centroid)
	sc.Location = nullStringPtr(location)
	sc.StartTime = parseTime(startTime)
	sc.EndTime = parseNullableTime(nullStringVal(endTime))
	sc.Closed = closed != 0
	return sc, nil
}

func nullStringVal(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	return &n.String
}
