package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/gorilla/websocket"

	"explora.ai/internal/coord"
	"explora.ai/internal/explored"
	persistlog "explora.ai/internal/persistence/log"
	"explora.ai/internal/protocol"
)

func main() {
	var (
		journalDir = flag.String("journal", "data/journal", "journal directory containing events-*.jsonl.zst")
		chunkDir   = flag.String("chunks", "", "exploration file directory to verify against (optional)")
		url        = flag.String("url", "", "tracker ingest url to replay into, e.g. ws://127.0.0.1:8085/v1/ingest (optional)")
		token      = flag.String("token", "", "ingest token")
		rate       = flag.Int("rate", 0, "events per second when replaying (0: as fast as possible)")
	)
	flag.Parse()

	events, err := readEvents(*journalDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read journal:", err)
		os.Exit(1)
	}
	sum := summarize(events)
	fmt.Printf("journal: %d events, %d chunk entries, %d block changes, %d promotions\n",
		len(events), sum.entered, sum.changed, sum.promoted)

	if *chunkDir != "" {
		missing, err := verify(*chunkDir, sum.chunks)
		if err != nil {
			fmt.Fprintln(os.Stderr, "verify:", err)
			os.Exit(1)
		}
		if len(missing) > 0 {
			worlds := make([]string, 0, len(missing))
			for w := range missing {
				worlds = append(worlds, w)
			}
			sort.Strings(worlds)
			for _, w := range worlds {
				fmt.Printf("%s: %d journaled chunks not in %s\n", w, len(missing[w]), explored.FileName(w))
			}
			os.Exit(1)
		}
		fmt.Println("verify ok: every journaled chunk is in the exploration files")
	}

	if *url != "" {
		sent, err := replay(*url, *token, events, *rate)
		if err != nil {
			fmt.Fprintln(os.Stderr, "replay:", err)
			os.Exit(1)
		}
		fmt.Printf("replay ok: sent %d events\n", sent)
	}
}

func readEvents(dir string) ([]persistlog.Event, error) {
	var out []persistlog.Event
	err := persistlog.ReadJournal(dir, func(e persistlog.Event) error {
		out = append(out, e)
		return nil
	})
	return out, err
}

type summary struct {
	entered, changed, promoted int
	chunks                     map[string]coord.ChunkSet
}

func summarize(events []persistlog.Event) summary {
	s := summary{chunks: map[string]coord.ChunkSet{}}
	for _, e := range events {
		switch e.Kind {
		case persistlog.KindChunkEntered:
			s.entered++
			set := s.chunks[e.World]
			if set == nil {
				set = coord.ChunkSet{}
				s.chunks[e.World] = set
			}
			set.Add(coord.ChunkCoord{X: e.X, Z: e.Z})
		case persistlog.KindBlockChanged:
			s.changed++
		case persistlog.KindPromoted:
			s.promoted++
		}
	}
	return s
}

// verify returns, per world, the journaled chunks missing from its file.
func verify(chunkDir string, chunks map[string]coord.ChunkSet) (map[string][]coord.ChunkCoord, error) {
	store, err := explored.Load(chunkDir, nil)
	if err != nil {
		return nil, err
	}
	out := map[string][]coord.ChunkCoord{}
	for w, set := range chunks {
		for _, c := range set.Sorted() {
			if !store.IsExplored(w, c) {
				out[w] = append(out[w], c)
			}
		}
	}
	return out, nil
}

// toMessage maps a journal event to its ingest message. Promotions are
// derived by the tracker and are not sent.
func toMessage(e persistlog.Event) (any, bool) {
	switch e.Kind {
	case persistlog.KindChunkEntered:
		return protocol.ChunkEnteredMsg{
			Type: protocol.TypeChunkEntered, ProtocolVersion: protocol.Version,
			World: e.World, ChunkX: e.X, ChunkZ: e.Z,
		}, true
	case persistlog.KindBlockChanged:
		if e.Y == nil || e.SurfaceY == nil {
			return nil, false
		}
		return protocol.BlockChangedMsg{
			Type: protocol.TypeBlockChanged, ProtocolVersion: protocol.Version,
			World: e.World, X: e.X, Y: *e.Y, Z: e.Z, SurfaceY: *e.SurfaceY,
		}, true
	}
	return nil, false
}

func replay(url, token string, events []persistlog.Event, rate int) (int, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	hello := protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, ServerName: "replay"}
	if token != "" {
		hello.Auth = &protocol.HelloAuth{Token: token}
	}
	if err := conn.WriteJSON(hello); err != nil {
		return 0, err
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, b, err := conn.ReadMessage()
	if err != nil {
		return 0, err
	}
	var welcome protocol.WelcomeMsg
	if err := json.Unmarshal(b, &welcome); err != nil || welcome.Type != protocol.TypeWelcome {
		return 0, fmt.Errorf("expected WELCOME, got %s", b)
	}
	_ = conn.SetReadDeadline(time.Time{})

	// Error replies are reported but do not stop the replay.
	go func() {
		for {
			_, b, err := conn.ReadMessage()
			if err != nil {
				return
			}
			fmt.Fprintln(os.Stderr, "tracker:", string(b))
		}
	}()

	var tick <-chan time.Time
	if rate > 0 {
		t := time.NewTicker(time.Second / time.Duration(rate))
		defer t.Stop()
		tick = t.C
	}
	sent := 0
	for _, e := range events {
		msg, ok := toMessage(e)
		if !ok {
			continue
		}
		if tick != nil {
			<-tick
		}
		if err := conn.WriteJSON(msg); err != nil {
			return sent, err
		}
		sent++
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
	return sent, nil
}
