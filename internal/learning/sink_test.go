package learning

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/Brownie44l1/scrap-weight-api/internal/model"
	"github.com/Brownie44l1/scrap-weight-api/internal/scrap"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSink_AppendAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "learning.jsonl")
	s, err := Open(path, nil)
	require.NoError(t, err)

	manual := 7.0
	res := scrap.Result{EstimatedWeight: 5, ConfidenceScore: 0.15, Method: scrap.MethodEmergency, Factors: []string{"f"}, Suggestions: []string{"s"}}
	id, err := s.Append(res, Context{Material: scrap.Brass, Manual: &manual, Attempts: 3, ModelsLoaded: []model.Kind{model.Detector}})
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	recs, err := ReadAll(path)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, id, recs[0].ID)
	assert.Equal(t, res, recs[0].Result)
	assert.Equal(t, scrap.Brass, recs[0].Context.Material)
	assert.Equal(t, 7.0, *recs[0].Context.Manual)
	assert.False(t, recs[0].Timestamp.IsZero())
}

func TestSink_ConcurrentAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "learning.jsonl")
	s, err := Open(path, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Append(scrap.Result{EstimatedWeight: float64(i), Method: scrap.MethodDepth}, Context{Material: scrap.Steel})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	require.NoError(t, s.Close())

	recs, err := ReadAll(path)
	require.NoError(t, err)
	assert.Len(t, recs, 50)
}

func TestSink_Disabled(t *testing.T) {
	s := Disabled()
	assert.False(t, s.Enabled())
	id, err := s.Append(scrap.Result{}, Context{})
	assert.NoError(t, err)
	assert.Empty(t, id)
	assert.NoError(t, s.Close())

	var nilSink *Sink
	_, err = nilSink.Append(scrap.Result{}, Context{})
	assert.NoError(t, err)
}

func TestSink_AppendRacesClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "learning.jsonl")
	s, err := Open(path, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := s.Append(scrap.Result{EstimatedWeight: float64(i)}, Context{Material: scrap.Steel})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			s.Enabled()
		}()
	}
	require.NoError(t, s.Close())
	wg.Wait()
	assert.False(t, s.Enabled())

	id, err := s.Append(scrap.Result{}, Context{})
	assert.NoError(t, err)
	assert.Empty(t, id)

	recs, err := ReadAll(path)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(recs), 20)
}

func TestSink_Retain(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "learning.jsonl"), nil)
	require.NoError(t, err)
	defer s.Close()

	src := filepath.Join(t.TempDir(), "upload-123.PNG")
	require.NoError(t, os.WriteFile(src, []byte("scrap bytes"), 0o644))

	stored, sum, err := s.Retain(src)
	require.NoError(t, err)
	want, err := Digest(src)
	require.NoError(t, err)
	assert.Equal(t, want, sum)
	assert.Len(t, sum, 64)
	assert.Equal(t, filepath.Join(dir, "uploads", sum+".png"), stored)

	require.NoError(t, os.Remove(src))
	got, err := os.ReadFile(stored)
	require.NoError(t, err)
	assert.Equal(t, "scrap bytes", string(got))

	again := filepath.Join(t.TempDir(), "other.png")
	require.NoError(t, os.WriteFile(again, []byte("scrap bytes"), 0o644))
	stored2, _, err := s.Retain(again)
	require.NoError(t, err)
	assert.Equal(t, stored, stored2)

	_, _, err = s.Retain(filepath.Join(dir, "missing.png"))
	assert.Error(t, err)

	stored, sum, err = Disabled().Retain(again)
	assert.NoError(t, err)
	assert.Empty(t, stored)
	assert.Empty(t, sum)
}
