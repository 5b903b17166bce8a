package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Persona is a configured voice agent: which backend it runs on and how the
// session gets set up.
type Persona struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Provider        string    `json:"provider"`
	Voice           string    `json:"voice"`
	Language        string    `json:"language"`
	SystemPrompt    string    `json:"system_prompt"`
	AffectiveDialog bool      `json:"affective_dialog"`
	ProactiveAudio  bool      `json:"proactive_audio"`
	GoogleSearch    bool      `json:"google_search"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// PhoneNumber links an inbound carrier number to a persona.
type PhoneNumber struct {
	ID           string    `json:"id"`
	Number       string    `json:"number"`
	TwilioSID    *string   `json:"twilio_sid,omitempty"`
	PersonaID    *string   `json:"persona_id,omitempty"`
	FriendlyName string    `json:"friendly_name"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

type Call struct {
	ID          string     `json:"id,omitempty"`
	CallSid     string     `json:"call_sid"`
	PersonaID   *string    `json:"persona_id,omitempty"`
	PersonaName *string    `json:"persona_name,omitempty"`
	Provider    string     `json:"provider"`
	FromNumber  string     `json:"from_number"`
	ToNumber    string     `json:"to_number"`
	Direction   string     `json:"direction"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	DurationSec *int       `json:"duration_sec,omitempty"`
}

// Transcript is one saved utterance of a call.
type Transcript struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Sequence  int       `json:"sequence"`
	CreatedAt time.Time `json:"created_at"`
}

type CallDetail struct {
	Call        Call         `json:"call"`
	Transcripts []Transcript `json:"transcripts"`
}

func (s *Store) GetPersona(ctx context.Context, id string) (*Persona, error) {
	var p Persona
	err := s.db.QueryRow(ctx, `
		SELECT id, name, provider, voice, language, system_prompt,
		       affective_dialog, proactive_audio, google_search, created_at, updated_at
		FROM personas WHERE id=$1
	`, id).Scan(
		&p.ID, &p.Name, &p.Provider, &p.Voice, &p.Language, &p.SystemPrompt,
		&p.AffectiveDialog, &p.ProactiveAudio, &p.GoogleSearch, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPersonaByNumber resolves an inbound number to its active persona.
func (s *Store) GetPersonaByNumber(ctx context.Context, number string) (*Persona, *PhoneNumber, error) {
	var p Persona
	var n PhoneNumber
	err := s.db.QueryRow(ctx, `
		SELECT p.id, p.name, p.provider, p.voice, p.language, p.system_prompt,
		       p.affective_dialog, p.proactive_audio, p.google_search, p.created_at, p.updated_at,
		       n.id, n.number, n.twilio_sid, n.persona_id, n.friendly_name, n.is_active, n.created_at
		FROM phone_numbers n
		JOIN personas p ON p.id = n.persona_id
		WHERE n.number=$1 AND n.is_active
	`, number).Scan(
		&p.ID, &p.Name, &p.Provider, &p.Voice, &p.Language, &p.SystemPrompt,
		&p.AffectiveDialog, &p.ProactiveAudio, &p.GoogleSearch, &p.CreatedAt, &p.UpdatedAt,
		&n.ID, &n.Number, &n.TwilioSID, &n.PersonaID, &n.FriendlyName, &n.IsActive, &n.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	return &p, &n, nil
}

func (s *Store) ListPersonas(ctx context.Context) ([]Persona, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, provider, voice, language, system_prompt,
		       affective_dialog, proactive_audio, google_search, created_at, updated_at
		FROM personas
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Persona
	for rows.Next() {
		var p Persona
		if err := rows.Scan(
			&p.ID, &p.Name, &p.Provider, &p.Voice, &p.Language, &p.SystemPrompt,
			&p.AffectiveDialog, &p.ProactiveAudio, &p.GoogleSearch, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) CreatePersona(ctx context.Context, p Persona) (*Persona, error) {
	err := s.db.QueryRow(ctx, `
		INSERT INTO personas (id, name, provider, voice, language, system_prompt,
		                      affective_dialog, proactive_audio, google_search, created_at, updated_at)
		VALUES (gen_random_uuid(), $1,$2,$3,$4,$5,$6,$7,$8,now(),now())
		RETURNING id, created_at, updated_at
	`, p.Name, p.Provider, p.Voice, p.Language, p.SystemPrompt,
		p.AffectiveDialog, p.ProactiveAudio, p.GoogleSearch,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// LinkNumber attaches a number to a persona, creating the row on first use.
func (s *Store) LinkNumber(ctx context.Context, number, twilioSID, personaID, friendlyName string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO phone_numbers (id, number, twilio_sid, persona_id, friendly_name, is_active, created_at)
		VALUES (gen_random_uuid(), $1,$2,$3,$4,true,now())
		ON CONFLICT (number) DO UPDATE SET
			twilio_sid = EXCLUDED.twilio_sid,
			persona_id = EXCLUDED.persona_id,
			friendly_name = EXCLUDED.friendly_name,
			is_active = true
	`, number, twilioSID, personaID, friendlyName)
	return err
}

func (s *Store) UnlinkNumber(ctx context.Context, number string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE phone_numbers SET persona_id = NULL, is_active = false WHERE number=$1
	`, number)
	return err
}

func (s *Store) ListNumbers(ctx context.Context) ([]PhoneNumber, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, number, twilio_sid, persona_id, friendly_name, is_active, created_at
		FROM phone_numbers
		ORDER BY number
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PhoneNumber
	for rows.Next() {
		var n PhoneNumber
		if err := rows.Scan(&n.ID, &n.Number, &n.TwilioSID, &n.PersonaID, &n.FriendlyName, &n.IsActive, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) CreateCall(ctx context.Context, c Call) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO calls (id, call_sid, persona_id, provider, from_number, to_number, direction, status, started_at)
		VALUES (gen_random_uuid(), $1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (call_sid) DO UPDATE SET
			from_number = EXCLUDED.from_number,
			to_number = EXCLUDED.to_number,
			status = EXCLUDED.status
	`, c.CallSid, c.PersonaID, c.Provider, c.FromNumber, c.ToNumber, c.Direction, c.Status, c.StartedAt)
	return err
}

func (s *Store) UpdateCallStatus(ctx context.Context, callSid, status string, at time.Time, durationSec *int) error {
	var endedAt *time.Time
	switch status {
	case "completed", "canceled", "failed", "busy", "no-answer":
		endedAt = &at
	}
	_, err := s.db.Exec(ctx, `
		UPDATE calls
		SET status = $1,
		    ended_at = COALESCE($2, ended_at),
		    duration_sec = COALESCE($3, duration_sec)
		WHERE call_sid=$4
	`, status, endedAt, durationSec, callSid)
	return err
}

// GetCallID retrieves the internal call ID for a carrier call SID.
func (s *Store) GetCallID(ctx context.Context, callSid string) (string, error) {
	var callID string
	err := s.db.QueryRow(ctx, `
		SELECT id FROM calls WHERE call_sid=$1
	`, callSid).Scan(&callID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return callID, err
}

// InsertTranscript appends one utterance, sequenced after whatever the call
// already has.
func (s *Store) InsertTranscript(ctx context.Context, callID, role, text string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO call_transcripts (id, call_id, role, text, sequence, created_at)
		VALUES (gen_random_uuid(), $1, $2, $3,
			(SELECT COALESCE(MAX(sequence)+1, 0) FROM call_transcripts WHERE call_id=$1),
			now())
	`, callID, role, text)
	return err
}

func (s *Store) ListCalls(ctx context.Context, limit int) ([]Call, error) {
	rows, err := s.db.Query(ctx, `
		SELECT c.id, c.call_sid, c.persona_id, p.name, c.provider, c.from_number, c.to_number,
		       c.direction, c.status, c.started_at, c.ended_at, c.duration_sec
		FROM calls c
		LEFT JOIN personas p ON p.id = c.persona_id
		ORDER BY c.started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Call
	for rows.Next() {
		var c Call
		if err := rows.Scan(
			&c.ID, &c.CallSid, &c.PersonaID, &c.PersonaName, &c.Provider, &c.FromNumber, &c.ToNumber,
			&c.Direction, &c.Status, &c.StartedAt, &c.EndedAt, &c.DurationSec,
		); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) GetCall(ctx context.Context, id string) (CallDetail, error) {
	var detail CallDetail
	err := s.db.QueryRow(ctx, `
		SELECT c.id, c.call_sid, c.persona_id, p.name, c.provider, c.from_number, c.to_number,
		       c.direction, c.status, c.started_at, c.ended_at, c.duration_sec
		FROM calls c
		LEFT JOIN personas p ON p.id = c.persona_id
		WHERE c.id=$1
	`, id).Scan(
		&detail.Call.ID, &detail.Call.CallSid, &detail.Call.PersonaID, &detail.Call.PersonaName,
		&detail.Call.Provider, &detail.Call.FromNumber, &detail.Call.ToNumber,
		&detail.Call.Direction, &detail.Call.Status, &detail.Call.StartedAt,
		&detail.Call.EndedAt, &detail.Call.DurationSec,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return detail, ErrNotFound
	}
	if err != nil {
		return detail, err
	}

	transcripts, err := s.ListTranscripts(ctx, detail.Call.ID)
	if err != nil {
		return detail, err
	}
	detail.Transcripts = transcripts
	return detail, nil
}

func (s *Store) ListTranscripts(ctx context.Context, callID string) ([]Transcript, error) {
	rows, err := s.db.Query(ctx, `
		SELECT role, text, sequence, created_at
		FROM call_transcripts
		WHERE call_id=$1
		ORDER BY sequence
	`, callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transcript
	for rows.Next() {
		var tr Transcript
		if err := rows.Scan(&tr.Role, &tr.Text, &tr.Sequence, &tr.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}
