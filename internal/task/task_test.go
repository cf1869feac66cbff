package task

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerflow/internal/domain"
)

type ratesConfig struct {
	IncludeAssets []string `json:"include_assets"`
}

func (c *ratesConfig) Validate() error {
	if len(c.IncludeAssets) == 0 {
		return errors.New("include_assets must not be empty")
	}
	return nil
}

type stubTask struct {
	id  string
	cfg func() any
}

func (s stubTask) ID() string { return s.id }
func (s stubTask) NewConfig() any {
	if s.cfg == nil {
		return nil
	}
	return s.cfg()
}
func (s stubTask) Execute(context.Context, *JobContext) error { return nil }

type recordingRescheduler struct {
	jobID string
	at    time.Time
}

func (r *recordingRescheduler) Reschedule(_ context.Context, jobID string, at time.Time) error {
	r.jobID, r.at = jobID, at
	return nil
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(stubTask{id: "hello_world"}))
	assert.Error(t, r.Register(stubTask{id: "hello_world"}))
	assert.Error(t, r.Register(stubTask{id: ""}))
	assert.Panics(t, func() { r.MustRegister(stubTask{id: "hello_world"}) })
}

func TestFind(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(stubTask{id: "b"}, stubTask{id: "a"})

	got, ok := r.Find("a")
	require.True(t, ok)
	assert.Equal(t, "a", got.ID())

	_, ok = r.Find("missing")
	assert.False(t, ok)
	assert.Equal(t, []string{"a", "b"}, r.IDs())
}

func TestDecodeConfig(t *testing.T) {
	r := NewRegistry()
	rates := stubTask{id: "rates", cfg: func() any { return &ratesConfig{} }}
	r.MustRegister(rates)

	cfg, err := r.DecodeConfig(rates, json.RawMessage(`{"include_assets":["USD","CHF"]}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"USD", "CHF"}, cfg.(*ratesConfig).IncludeAssets)

	tests := []struct {
		name    string
		payload string
	}{
		{"malformed", `{"include_assets":`},
		{"wrong type", `{"include_assets":"USD"}`},
		{"unknown field", `{"include_assets":["USD"],"extra":1}`},
		{"fails validation", `{}`},
		{"empty payload fails validation", ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.DecodeConfig(rates, json.RawMessage(tt.payload))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
		})
	}
}

func TestDecodeConfigWithoutShape(t *testing.T) {
	r := NewRegistry()
	hello := stubTask{id: "hello_world"}
	cfg, err := r.DecodeConfig(hello, json.RawMessage(`{"anything":true}`))
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestValidate(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(stubTask{id: "rates", cfg: func() any { return &ratesConfig{} }})

	assert.NoError(t, r.Validate("rates", json.RawMessage(`{"include_assets":["USD"]}`)))
	assert.True(t, errors.Is(r.Validate("nope", nil), ErrUnknownTask))
	assert.True(t, errors.Is(r.Validate("rates", json.RawMessage(`[]`)), ErrInvalidConfig))
}

func TestJobContextReschedule(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.Local)
	rs := &recordingRescheduler{}
	jc := NewJobContext(domain.Job{ID: "job_1", WorkspaceID: "ws"}, nil, zerolog.Nop(), rs, func() time.Time { return now })

	require.NoError(t, jc.RescheduleIn(context.Background(), time.Minute))
	assert.Equal(t, "job_1", rs.jobID)
	assert.True(t, rs.at.Equal(now.Add(time.Minute)))

	require.NoError(t, jc.RescheduleCron(context.Background(), "0 0 1 * * *"))
	assert.True(t, rs.at.Equal(time.Date(2026, 3, 11, 1, 0, 0, 0, time.Local)))

	assert.Error(t, jc.RescheduleCron(context.Background(), "not a cron"))
	assert.Error(t, jc.RescheduleCron(context.Background(), "0 0 0 30 2 *"))
	assert.Equal(t, "ws", jc.WorkspaceID())
}

func TestJobContextIsActive(t *testing.T) {
	jc := NewJobContext(domain.Job{}, nil, zerolog.Nop(), nil, nil)
	assert.True(t, jc.IsActive())

	active := true
	jc.Bind(func() bool { return active })
	active = false
	assert.False(t, jc.IsActive())
}

func TestTypedConfig(t *testing.T) {
	jc := NewJobContext(domain.Job{}, &ratesConfig{IncludeAssets: []string{"USD"}}, zerolog.Nop(), nil, nil)
	cfg, err := Config[ratesConfig](jc)
	require.NoError(t, err)
	assert.Equal(t, []string{"USD"}, cfg.IncludeAssets)

	_, err = Config[struct{}](jc)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}
