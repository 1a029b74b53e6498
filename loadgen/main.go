package main

import (
	"bufio"
	"flag"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/pingcap/go-ycsb/pkg/generator"

	"minivisa/utils"
)

var (
	addr     string
	clients  int
	requests int
	skew     float64
	deckSize int
	maxCents int
)

func init() {
	flag.StringVar(&addr, "addr", "127.0.0.1:9090", "the authorization server address")
	flag.IntVar(&clients, "c", 8, "the number of concurrent clients")
	flag.IntVar(&requests, "n", 1000, "the number of requests per client")
	flag.Float64Var(&skew, "skew", 0.8, "the zipfian skew for card selection")
	flag.IntVar(&deckSize, "deck", 10000, "the number of distinct cards")
	flag.IntVar(&maxCents, "amount", 10000, "the max request amount in cents")
}

// luhnDigit computes the check digit completing a partial PAN.
func luhnDigit(partial string) byte {
	sum := 0
	double := true
	for i := len(partial) - 1; i >= 0; i-- {
		d := int(partial[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		double = !double
		sum += d
	}
	return byte('0' + (10-sum%10)%10)
}

// buildDeck produces Luhn-valid 16-digit card numbers.
func buildDeck(n int) []string {
	deck := make([]string, n)
	for i := 0; i < n; i++ {
		partial := fmt.Sprintf("4%014d", i)
		deck[i] = partial + string(luhnDigit(partial))
	}
	return deck
}

type authRequest struct {
	PAN       string `json:"pan"`
	Amount    string `json:"amount"`
	RequestID string `json:"request_id"`
	Type      string `json:"type"`
}

type authResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
	TxnID  string `json:"txn_id"`
}

func runClient(seed int, deck []string, stat *utils.Stat) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		fmt.Printf("client %d: dial failed: %v\n", seed, err)
		return
	}
	defer conn.Close()
	rd := bufio.NewReader(conn)

	r := rand.New(rand.NewSource(int64(seed)*11 + 31))
	zip := generator.NewZipfianWithRange(0, int64(len(deck)-2), skew)

	for i := 0; i < requests; i++ {
		req := authRequest{
			PAN:       deck[zip.Next(r)],
			Amount:    strconv.FormatFloat(float64(r.Intn(maxCents)+1)/100, 'f', 2, 64),
			RequestID: "load_" + strconv.FormatUint(utils.NextRequestID(), 10),
			Type:      "AUTH",
		}
		line, err := json.Marshal(req)
		if err != nil {
			continue
		}
		start := time.Now()
		if _, err := conn.Write(append(line, '\n')); err != nil {
			return
		}
		reply, err := rd.ReadString('\n')
		if err != nil {
			return
		}
		var resp authResponse
		if err := json.Unmarshal([]byte(reply), &resp); err != nil {
			continue
		}
		stat.Append(&utils.Info{
			Status:  resp.Status,
			Reason:  resp.Reason,
			Latency: time.Since(start),
		})
	}
}

func main() {
	flag.Parse()
	deck := buildDeck(deckSize)
	stat := utils.NewStat()

	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(seed int) {
			defer wg.Done()
			runClient(seed, deck, stat)
		}(i)
	}
	wg.Wait()
	stat.Log()
}
