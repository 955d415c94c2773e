package wazerohost_test

import (
	"context"
	"testing"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental/wazerotest"

	pytrampoline "github.com/dispatchrun/pytrampoline"
	"github.com/dispatchrun/pytrampoline/wazerohost"
)

func TestHostMintsTrampolineOnFirstCall(t *testing.T) {
	module := wazerotest.NewModule(nil,
		wazerotest.NewFunction(func(ctx context.Context, mod api.Module) {}),
	)

	host := wazerohost.NewHost()
	sub := pytrampoline.NewSubsystem(host)
	if err := sub.Init(true); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer sub.FreeArenas()

	def := module.Function(0).Definition()
	factory := host.ListenerFactory(sub)
	listener := factory.NewListener(def)

	before := sub.Stats().BytesUsed
	ctx := listener.Before(context.Background(), module, def, nil, nil)
	listener.After(ctx, module, def, nil, nil)

	if after := sub.Stats().BytesUsed; after <= before {
		t.Fatalf("BytesUsed after first call = %d, want > %d (a trampoline should have been minted)", after, before)
	}

	again := sub.Stats().BytesUsed
	ctx = listener.Before(context.Background(), module, def, nil, nil)
	listener.After(ctx, module, def, nil, nil)
	if got := sub.Stats().BytesUsed; got != again {
		t.Fatalf("BytesUsed after second call = %d, want unchanged at %d (trampoline should be cached)", got, again)
	}
}

func TestHostSkipsMintingWhileInactive(t *testing.T) {
	module := wazerotest.NewModule(nil,
		wazerotest.NewFunction(func(ctx context.Context, mod api.Module) {}),
	)

	host := wazerohost.NewHost()
	sub := pytrampoline.NewSubsystem(host)
	// deliberately not calling sub.Init

	def := module.Function(0).Definition()
	listener := host.ListenerFactory(sub).NewListener(def)

	ctx := listener.Before(context.Background(), module, def, nil, nil)
	listener.After(ctx, module, def, nil, nil)

	if sub.Stats().Count != 0 {
		t.Fatalf("arena count = %d, want 0 with an inactive subsystem", sub.Stats().Count)
	}
}
