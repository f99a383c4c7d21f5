package main

import (
	"context"
	"fmt"
	"time"

	"goa.design/clue/log"

	"dockrion.dev/events/stream"
	"dockrion.dev/events/stream/wiring"
	"dockrion.dev/events/telemetry"
)

// echoAgent is a minimal AgentFunc: it emits a couple of progress events and
// a token, and returns the payload's "message" field unchanged under "echo".
func echoAgent(ctx context.Context, sc *stream.StreamContext, payload any) (map[string]any, error) {
	in, _ := payload.(map[string]any)
	message, _ := in["message"].(string)

	if err := sc.EmitProgress(ctx, "thinking", 0.3, "considering the message"); err != nil {
		return nil, err
	}
	if err := sc.EmitToken(ctx, message, ""); err != nil {
		return nil, err
	}
	if err := sc.EmitProgress(ctx, "done", 1.0, ""); err != nil {
		return nil, err
	}
	return map[string]any{"echo": message}, nil
}

func main() {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	cfg := stream.DefaultConfig()
	backend, store, committer, err := wiring.NewStack(cfg)
	if err != nil {
		panic(err)
	}
	defer backend.Close(ctx)

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()
	tracer := telemetry.NewClueTracer()

	bus := stream.NewEventBus(backend, logger, metrics, stream.WithTracer(tracer))
	mgr := stream.NewRunManager(bus,
		stream.WithHeartbeatInterval(5*time.Second),
		stream.WithStore(store),
		stream.WithTerminalCommitter(committer),
		stream.WithRunManagerLogger(logger),
		stream.WithRunManagerMetrics(metrics),
		stream.WithRunManagerTracer(tracer),
	)

	filter, err := stream.NewFilterFromPreset(stream.PresetDebug)
	if err != nil {
		panic(err)
	}

	run, err := mgr.CreateRun(ctx, stream.CreateOptions{
		AgentName: "echo",
		Framework: "demo",
		Filter:    &filter,
	})
	if err != nil {
		panic(err)
	}
	fmt.Println("created run:", run.RunID)

	events, errs, cancel, err := bus.Subscribe(ctx, run.RunID, 0, true)
	if err != nil {
		panic(err)
	}
	defer cancel()

	if err := mgr.Start(ctx, run.RunID, "echo", "demo", echoAgent, map[string]any{"message": "hello from the event streaming core"}); err != nil {
		panic(err)
	}

	for e := range events {
		fmt.Printf("[%d] %s\n", e.Sequence, e.Type)
		if e.Type.IsTerminal() {
			break
		}
	}
	if err := <-errs; err != nil {
		fmt.Println("subscription error:", err)
	}

	result, err := mgr.GetResult(ctx, run.RunID)
	if err != nil {
		panic(err)
	}
	fmt.Println("result:", result)
}
