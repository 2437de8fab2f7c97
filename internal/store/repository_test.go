package store

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type widget struct {
	Identifier string `json:"identifier"`
	Color      string `json:"color"`
}

func widgetID(w *widget) string { return w.Identifier }

func TestRepositorySaveFind(t *testing.T) {
	st := newTestStore(t)
	repo := NewRepository[widget](st, "widget", widgetID)

	require.NoError(t, repo.Save(&widget{Identifier: "w1", Color: "red"}))

	got, err := repo.Find("w1")
	require.NoError(t, err)
	assert.Equal(t, "red", got.Color)

	raw, err := st.Get("widget:w1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"identifier":"w1","color":"red"}`, string(raw))
}

func TestRepositoryUpsert(t *testing.T) {
	repo := NewRepository[widget](newTestStore(t), "widget", widgetID)

	require.NoError(t, repo.Save(&widget{Identifier: "w1", Color: "red"}))
	require.NoError(t, repo.Save(&widget{Identifier: "w1", Color: "blue"}))

	all, err := repo.FindAll()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "blue", all[0].Color)
}

func TestRepositoryPrefixIsolation(t *testing.T) {
	st := newTestStore(t)
	widgets := NewRepository[widget](st, "widget", widgetID)
	gadgets := NewRepository[widget](st, "gadget", widgetID)

	require.NoError(t, widgets.Save(&widget{Identifier: "same"}))
	require.NoError(t, gadgets.Save(&widget{Identifier: "same"}))
	require.NoError(t, gadgets.Save(&widget{Identifier: "other"}))

	ws, err := widgets.FindAll()
	require.NoError(t, err)
	assert.Len(t, ws, 1)

	gs, err := gadgets.FindAll()
	require.NoError(t, err)
	assert.Len(t, gs, 2)

	require.NoError(t, widgets.Delete("same"))
	_, err = gadgets.Find("same")
	assert.NoError(t, err)
}

func TestRepositoryFindBy(t *testing.T) {
	repo := NewRepository[widget](newTestSQLiteStore(t), "widget", widgetID)
	require.NoError(t, repo.Save(&widget{Identifier: "a", Color: "red"}))
	require.NoError(t, repo.Save(&widget{Identifier: "b", Color: "blue"}))
	require.NoError(t, repo.Save(&widget{Identifier: "c", Color: "red"}))

	reds, err := repo.FindBy(func(w *widget) bool { return w.Color == "red" })
	require.NoError(t, err)
	require.Len(t, reds, 2)
	assert.Equal(t, "a", reds[0].Identifier)
	assert.Equal(t, "c", reds[1].Identifier)

	none, err := repo.FindBy(func(w *widget) bool { return w.Color == "green" })
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRepositoryNotFound(t *testing.T) {
	repo := NewRepository[widget](newTestStore(t), "widget", widgetID)

	_, err := repo.Find("nope")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.ErrorIs(t, repo.Delete("nope"), ErrNotFound)
}

func TestRepositoryRejectsEmptyIdentifier(t *testing.T) {
	repo := NewRepository[widget](newTestStore(t), "widget", widgetID)
	assert.Error(t, repo.Save(&widget{}))
}
