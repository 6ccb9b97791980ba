package panel_test

import (
	"context"
	"testing"

	"github.com/sakamotopaya/code-agent-sub007/adapter"
	"github.com/sakamotopaya/code-agent-sub007/adapter/panel"
	"github.com/sakamotopaya/code-agent-sub007/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func drain(view *panel.ChannelWebview) []string {
	var types []string
	for {
		select {
		case env := <-view.Messages():
			types = append(types, env.Type)
		default:
			return types
		}
	}
}

func TestPanel_PostsTypedMessages(t *testing.T) {
	ctx := context.Background()
	view := panel.NewChannelWebview(16)
	a, err := panel.New(view, store.NewMemoryStore(), zaptest.NewLogger(t))
	require.NoError(t, err)

	a.OutputPartialContent(ctx, adapter.Say(adapter.SayText, "he"))
	a.OutputContent(ctx, adapter.Say(adapter.SayText, "hello"))
	a.SendMessage(ctx, &adapter.ExtensionMessage{Type: "action"})
	a.SendPartialUpdate(ctx, &adapter.ExtensionMessage{Type: "status"})
	require.NoError(t, a.SyncState(ctx, &adapter.ProviderState{CurrentTaskID: "t"}))
	a.NotifyStateChange(ctx, "mode", "ask")
	a.Reset()

	assert.Equal(t, []string{
		panel.TypeMessageUpdated, panel.TypeMessage, panel.TypeExtension, panel.TypePartialUpdate,
		panel.TypeState, panel.TypeStateChanged, panel.TypeReset,
	}, drain(view))
}

func TestPanel_DeliveryFailures(t *testing.T) {
	ctx := context.Background()
	view := panel.NewChannelWebview(1)
	a, err := panel.New(view, nil, nil)
	require.NoError(t, err)

	a.OutputContent(ctx, adapter.Say(adapter.SayText, "fills the queue"))
	assert.NotPanics(t, func() { a.OutputContent(ctx, adapter.Say(adapter.SayText, "dropped")) })
	assert.Error(t, a.SyncState(ctx, &adapter.ProviderState{}))
	assert.Len(t, drain(view), 1)

	require.NoError(t, a.Dispose(ctx))
	require.NoError(t, a.Dispose(ctx))
	assert.ErrorIs(t, a.SyncState(ctx, &adapter.ProviderState{}), panel.ErrPanelClosed)
}

func TestPanel_RequiresWebview(t *testing.T) {
	_, err := panel.New(nil, nil, nil)
	assert.Error(t, err)
}
