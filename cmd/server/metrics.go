package main

import (
	"fmt"
	"net/http"

	"catchdex.io/internal/app"
	"catchdex.io/internal/transport/ws"
)

// metricsHandler writes a minimal Prometheus exposition of live state.
func metricsHandler(a *app.App, srv *ws.Server) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		fmt.Fprintf(rw, "# HELP catchdex_connected_participants Participants with an open session.\n")
		fmt.Fprintf(rw, "# TYPE catchdex_connected_participants gauge\n")
		fmt.Fprintf(rw, "catchdex_connected_participants %d\n", len(srv.Connected()))

		fmt.Fprintf(rw, "# HELP catchdex_open_trades Trade sessions not yet committed or cancelled.\n")
		fmt.Fprintf(rw, "# TYPE catchdex_open_trades gauge\n")
		fmt.Fprintf(rw, "catchdex_open_trades %d\n", len(a.Trades.Sessions()))

		fmt.Fprintf(rw, "# HELP catchdex_open_wagers Escrowed wagers awaiting resolution.\n")
		fmt.Fprintf(rw, "# TYPE catchdex_open_wagers gauge\n")
		fmt.Fprintf(rw, "catchdex_open_wagers %d\n", len(a.Wagers.Wagers()))

		fmt.Fprintf(rw, "# HELP catchdex_timers Pending scheduled timers.\n")
		fmt.Fprintf(rw, "# TYPE catchdex_timers gauge\n")
		fmt.Fprintf(rw, "catchdex_timers %d\n", a.Scheduler.Len())

		fmt.Fprintf(rw, "# HELP catchdex_dispatch_queues Entity queues with a live worker.\n")
		fmt.Fprintf(rw, "# TYPE catchdex_dispatch_queues gauge\n")
		fmt.Fprintf(rw, "catchdex_dispatch_queues %d\n", a.Dispatch.Len())

		st := a.SpawnStatus()
		fmt.Fprintf(rw, "# HELP catchdex_spawns_total Spawns created since start.\n")
		fmt.Fprintf(rw, "# TYPE catchdex_spawns_total counter\n")
		for _, s := range st {
			fmt.Fprintf(rw, "catchdex_spawns_total{channel=%q} %d\n", s.Channel, s.Spawns)
		}
		fmt.Fprintf(rw, "# HELP catchdex_spawn_live Whether the channel has a claimable spawn.\n")
		fmt.Fprintf(rw, "# TYPE catchdex_spawn_live gauge\n")
		for _, s := range st {
			live := 0
			if s.Live != "" {
				live = 1
			}
			fmt.Fprintf(rw, "catchdex_spawn_live{channel=%q} %d\n", s.Channel, live)
		}
		fmt.Fprintf(rw, "# HELP catchdex_channel_subscribers Sessions following the channel.\n")
		fmt.Fprintf(rw, "# TYPE catchdex_channel_subscribers gauge\n")
		for _, s := range st {
			fmt.Fprintf(rw, "catchdex_channel_subscribers{channel=%q} %d\n", s.Channel, srv.Subscribers(s.Channel))
		}
	}
}
