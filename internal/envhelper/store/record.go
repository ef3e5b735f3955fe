package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/envhelper/envhelper/common/crypto"
	"github.com/envhelper/envhelper/internal/envhelper/environment"
	"github.com/envhelper/envhelper/internal/envhelper/fault"
)

// EnvCodec serializes environment variables, encrypting them with
// AES-256-GCM when a master key is configured. Values such as PASSWORD never
// reach the database in clear text in that case.
type EnvCodec struct {
	key []byte
}

// NewEnvCodec returns a codec. A nil key stores variables as plain JSON.
func NewEnvCodec(key []byte) (*EnvCodec, error) {
	if key != nil && len(key) != crypto.KeySize {
		return nil, crypto.ErrInvalidKeySize
	}
	return &EnvCodec{key: key}, nil
}

// Encrypted reports whether the codec encrypts.
func (c *EnvCodec) Encrypted() bool { return c.key != nil }

// Encode returns either the JSON text or the ciphertext of vars.
func (c *EnvCodec) Encode(vars map[string]string) (sql.NullString, []byte, error) {
	if vars == nil {
		vars = map[string]string{}
	}
	raw, err := json.Marshal(vars)
	if err != nil {
		return sql.NullString{}, nil, fmt.Errorf("failed to marshal env: %w", err)
	}
	if c.key == nil {
		return sql.NullString{String: string(raw), Valid: true}, nil, nil
	}
	sealed, err := crypto.Encrypt(c.key, raw)
	if err != nil {
		return sql.NullString{}, nil, fmt.Errorf("failed to encrypt env: %w", err)
	}
	return sql.NullString{}, sealed, nil
}

// Decode reverses Encode.
func (c *EnvCodec) Decode(plain sql.NullString, sealed []byte) (map[string]string, error) {
	var raw []byte
	switch {
	case len(sealed) > 0:
		if c.key == nil {
			return nil, fmt.Errorf("env is encrypted but no master key is configured")
		}
		opened, err := crypto.Decrypt(c.key, sealed)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt env: %w", err)
		}
		raw = opened
	case plain.Valid:
		raw = []byte(plain.String)
	default:
		return map[string]string{}, nil
	}
	out := map[string]string{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal env: %w", err)
	}
	return out, nil
}

// Columns lists the environments table columns in Record.Dest order.
const Columns = `id, owner, name, description, type, image, port, container_port,
	volumes_json, env_json, env_cipher, cpu_limit, memory_limit, auto_start,
	desired, observed, last_error_kind, last_error_message, last_error_at,
	runtime_handle, data_volume, last_seen, created_at, updated_at`

// Record is the row form of an environment, shared by the SQL backends.
type Record struct {
	ID               string
	Owner            string
	Name             string
	Description      string
	Type             string
	Image            string
	Port             int
	ContainerPort    int
	VolumesJSON      string
	EnvJSON          sql.NullString
	EnvCipher        []byte
	CPULimit         sql.NullFloat64
	MemoryLimit      sql.NullInt64
	AutoStart        bool
	Desired          string
	Observed         string
	LastErrorKind    sql.NullString
	LastErrorMessage sql.NullString
	LastErrorAt      sql.NullTime
	RuntimeHandle    sql.NullString
	DataVolume       sql.NullString
	LastSeen         sql.NullTime
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Dest returns scan destinations in Columns order.
func (r *Record) Dest() []any {
	return []any{
		&r.ID, &r.Owner, &r.Name, &r.Description, &r.Type, &r.Image, &r.Port, &r.ContainerPort,
		&r.VolumesJSON, &r.EnvJSON, &r.EnvCipher, &r.CPULimit, &r.MemoryLimit, &r.AutoStart,
		&r.Desired, &r.Observed, &r.LastErrorKind, &r.LastErrorMessage, &r.LastErrorAt,
		&r.RuntimeHandle, &r.DataVolume, &r.LastSeen, &r.CreatedAt, &r.UpdatedAt,
	}
}

// Args returns the values in Columns order.
func (r *Record) Args() []any {
	return []any{
		r.ID, r.Owner, r.Name, r.Description, r.Type, r.Image, r.Port, r.ContainerPort,
		r.VolumesJSON, r.EnvJSON, r.EnvCipher, r.CPULimit, r.MemoryLimit, r.AutoStart,
		r.Desired, r.Observed, r.LastErrorKind, r.LastErrorMessage, r.LastErrorAt,
		r.RuntimeHandle, r.DataVolume, r.LastSeen, r.CreatedAt, r.UpdatedAt,
	}
}

// ToRecord converts e into its row form.
func (c *EnvCodec) ToRecord(e *environment.Environment) (*Record, error) {
	vols := e.Volumes
	if vols == nil {
		vols = []environment.Volume{}
	}
	volJSON, err := json.Marshal(vols)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal volumes: %w", err)
	}
	envJSON, envCipher, err := c.Encode(e.Env)
	if err != nil {
		return nil, err
	}

	r := &Record{
		ID:            e.ID,
		Owner:         e.Owner,
		Name:          e.Name,
		Description:   e.Description,
		Type:          string(e.Type),
		Image:         e.Image,
		Port:          e.Port,
		ContainerPort: e.ContainerPort,
		VolumesJSON:   string(volJSON),
		EnvJSON:       envJSON,
		EnvCipher:     envCipher,
		AutoStart:     e.AutoStart,
		Desired:       string(e.Desired),
		Observed:      string(e.Observed),
		RuntimeHandle: nullString(e.RuntimeHandle),
		DataVolume:    nullString(e.DataVolume),
		LastSeen:      nullTime(e.LastSeen),
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
	}
	if r.Observed == "" {
		r.Observed = string(environment.ObservedAbsent)
	}
	if e.CPULimit != nil {
		r.CPULimit = sql.NullFloat64{Float64: *e.CPULimit, Valid: true}
	}
	if e.MemoryLimit != nil {
		r.MemoryLimit = sql.NullInt64{Int64: *e.MemoryLimit, Valid: true}
	}
	if f := e.LastError; f != nil {
		r.LastErrorKind = nullString(string(f.Kind))
		r.LastErrorMessage = sql.NullString{String: f.Message, Valid: true}
		r.LastErrorAt = nullTime(f.At)
	}
	return r, nil
}

// FromRecord converts a row back into an environment.
func (c *EnvCodec) FromRecord(r *Record) (*environment.Environment, error) {
	e := &environment.Environment{
		ID:            r.ID,
		Owner:         r.Owner,
		Name:          r.Name,
		Description:   r.Description,
		Type:          environment.Type(r.Type),
		Image:         r.Image,
		Port:          r.Port,
		ContainerPort: r.ContainerPort,
		AutoStart:     r.AutoStart,
		Desired:       environment.DesiredState(r.Desired),
		Observed:      environment.ObservedState(r.Observed),
		RuntimeHandle: r.RuntimeHandle.String,
		DataVolume:    r.DataVolume.String,
		LastSeen:      r.LastSeen.Time,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.VolumesJSON), &e.Volumes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal volumes of %s: %w", r.ID, err)
	}
	vars, err := c.Decode(r.EnvJSON, r.EnvCipher)
	if err != nil {
		return nil, fmt.Errorf("environment %s: %w", r.ID, err)
	}
	e.Env = vars
	if r.CPULimit.Valid {
		v := r.CPULimit.Float64
		e.CPULimit = &v
	}
	if r.MemoryLimit.Valid {
		v := r.MemoryLimit.Int64
		e.MemoryLimit = &v
	}
	if r.LastErrorKind.Valid {
		e.LastError = &environment.Failure{
			Kind:    fault.Kind(r.LastErrorKind.String),
			Message: r.LastErrorMessage.String,
			At:      r.LastErrorAt.Time,
		}
	}
	return e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
