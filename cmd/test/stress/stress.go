package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pravuX/ksunira/queue"
	"github.com/pravuX/ksunira/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	addr      string
	nClients  int
	nVotes    int
	nSkips    int
	sources   []string
	heartbeat time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "stress",
	Short: "Create a session, connect many guests and hammer it with votes and skips",
	RunE:  runStress,
}

func init() {
	rootCmd.Flags().StringVar(&addr, "addr", "localhost:8080", "backend or gateway to stress")
	rootCmd.Flags().IntVar(&nClients, "nc", 100, "number of guest connections")
	rootCmd.Flags().IntVar(&nVotes, "votes", 10, "votes cast by every guest")
	rootCmd.Flags().IntVar(&nSkips, "skips", 5, "skips sent in total")
	rootCmd.Flags().StringSliceVar(&sources, "source", nil, "track sources to enqueue")
	rootCmd.Flags().DurationVar(&heartbeat, "heartbeat", 10*time.Second, "client ping period")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func post(path string, body, out interface{}) (int, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	rsp, err := http.Post("http://"+addr+path, "application/json", bytes.NewReader(b))
	if err != nil {
		return 0, err
	}
	defer rsp.Body.Close()
	if out != nil && rsp.StatusCode < 300 {
		if err := json.NewDecoder(rsp.Body).Decode(out); err != nil {
			return rsp.StatusCode, err
		}
	}
	return rsp.StatusCode, nil
}

func runStress(cmd *cobra.Command, _ []string) error {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer logger.Sync()

	var sess server.SessionCreatedMsg
	if code, err := post("/sessions", struct{}{}, &sess); err != nil || code != http.StatusCreated {
		return fmt.Errorf("create session: status %d: %v", code, err)
	}
	logger.Info("session created", zap.String("session_id", sess.ID))

	var items []queue.Item
	for _, src := range sources {
		var item queue.Item
		code, err := post("/sessions/"+sess.ID+"/queue", server.AddTrackRequest{SourceURL: src}, &item)
		if err != nil || code != http.StatusCreated {
			logger.Warn("enqueue failed", zap.String("source", src), zap.Int("status", code), zap.Error(err))
			continue
		}
		items = append(items, item)
	}

	wsAddr := "ws://" + strings.TrimPrefix(addr, "http://")
	clients := make([]*server.Client, 0, nClients)
	userIDs := make([]string, 0, nClients)
	for i := 0; i < nClients; i++ {
		var u server.UserMsg
		if _, err := post("/sessions/"+sess.ID+"/users", server.JoinRequest{Nickname: fmt.Sprintf("guest-%d", i)}, &u); err != nil {
			return err
		}
		userIDs = append(userIDs, u.ID)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		c, err := server.Connect(ctx, nil, []string{wsAddr}, sess.ID, u.ID, logger)
		cancel()
		if err != nil {
			return fmt.Errorf("client %d: %w", i, err)
		}
		go c.ClientSendHeartbeat(heartbeat)
		clients = append(clients, c)
		if (i+1)%50 == 0 {
			logger.Info("clients joined", zap.Int("n", i+1))
		}
	}
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()
	logger.Info("all clients joined", zap.Int("n", len(clients)))

	var ok, stale, failed atomic.Int64
	var wg sync.WaitGroup
	start := time.Now()
	for i := range clients {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if len(items) == 0 {
				return
			}
			for v := 0; v < nVotes; v++ {
				item := items[rand.Intn(len(items))]
				vote := queue.VoteUp
				if rand.Intn(2) == 0 {
					vote = queue.VoteDown
				}
				code, err := post("/sessions/"+sess.ID+"/queue/"+item.ID+"/vote",
					server.VoteRequest{Vote: vote, UserID: userIDs[i]}, nil)
				switch {
				case err != nil:
					failed.Add(1)
				case code == http.StatusOK:
					ok.Add(1)
				case code == http.StatusNotFound:
					stale.Add(1)
				default:
					failed.Add(1)
				}
			}
		}(i)
	}
	for s := 0; s < nSkips && len(clients) > 0; s++ {
		wg.Add(1)
		go func(c *server.Client) {
			defer wg.Done()
			if err := c.Skip(); err != nil {
				failed.Add(1)
			}
		}(clients[rand.Intn(len(clients))])
	}
	wg.Wait()

	logger.Info("stress finished",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int64("votes_ok", ok.Load()),
		zap.Int64("votes_stale", stale.Load()),
		zap.Int64("failed", failed.Load()))
	return nil
}
