package projfs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestCleanPath(t *testing.T) {
	tt := map[string]string{
		"":            ".",
		".":           ".",
		"/":           ".",
		"d1":          "d1",
		"/d1/f1.txt":  "d1/f1.txt",
		"d1//f1.txt/": "d1/f1.txt",
		"d1/../d2":    "d2",
		"../../d1":    "d1",
	}
	for in, expect := range tt {
		require.Equal(t, expect, CleanPath(in), "input %q", in)
	}
}

func TestCategoryOf(t *testing.T) {
	require.Equal(t, CategoryNotification, CategoryOf(KindCreateFile))
	require.Equal(t, CategoryNotification, CategoryOf(KindCreateDir))
	require.Equal(t, CategoryGating, CategoryOf(KindDeleteFile))
	require.Equal(t, CategoryGating, CategoryOf(KindDeleteDir))
	require.Equal(t, CategoryNotification, CategoryOf(KindPopulateDir))
	require.Equal(t, CategoryNotification, CategoryOf(KindRename))
	require.Equal(t, CategoryGating, CategoryOf(Kind("truncate")))
}

func TestNewEvent(t *testing.T) {
	ev := NewEvent(KindDeleteDir, "/d1/", Caller{PID: 7, Name: "rmdir"})
	require.Equal(t, &Event{
		Kind:     KindDeleteDir,
		Path:     "d1",
		Category: CategoryGating,
		IsDir:    true,
		Caller:   Caller{PID: 7, Name: "rmdir"},
	}, ev)
	require.Equal(t, "delete_dir d1", ev.String())
}

func TestKind_UnmarshalText(t *testing.T) {
	var v struct {
		Kind Kind `yaml:"kind"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("kind: Create_File"), &v))
	require.Equal(t, KindCreateFile, v.Kind)
	require.NoError(t, yaml.Unmarshal([]byte("kind: rename"), &v))
	require.Equal(t, KindRename, v.Kind)
	require.Error(t, yaml.Unmarshal([]byte("kind: truncate"), &v))
}

func TestOp(t *testing.T) {
	require.Equal(t, KindPopulateDir, OpEnumerateDir.Kind())
	require.Equal(t, "enumerate_dir", OpEnumerateDir.String())
	require.Equal(t, KindRename, OpRename.Kind())
	require.Equal(t, Kind(""), Op(0).Kind())
}

func TestDecision(t *testing.T) {
	require.True(t, Proceed.Proceed())
	require.NoError(t, Proceed.Err())

	d := Deny(ErrorNoMemory)
	require.False(t, d.Proceed())
	require.ErrorIs(t, d.Err(), ErrorNoMemory)
	require.Equal(t, "deny(ENOMEM)", d.String())
}

func TestCaller(t *testing.T) {
	require.Equal(t, Caller{}, CallerFromContext(context.Background()))

	ctx := WithCaller(context.Background(), Caller{PID: 1, Name: "init"})
	require.Equal(t, Caller{PID: 1, Name: "init"}, CallerFromContext(ctx))
}
