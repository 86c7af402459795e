package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/defistate/defistate-amm-go/cmd/client/config"
	constantproduct "github.com/defistate/defistate-amm-go/protocols/constantproduct"
	"github.com/defistate/defistate-amm-go/protocols/constantproduct/calculator"
	"github.com/defistate/defistate-amm-go/streams/jsonrpc/client"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// --- VISUAL CONSTANTS ---
const (
	Reset  = "\033[0m"
	Bold   = "\033[1m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Cyan   = "\033[36m"
	Gray   = "\033[37m"

	DefaultClientViewBufferSize = 100
	callTimeout                 = 10 * time.Second
)

// header prints a styled section header
func header(title string) {
	fmt.Println("\n" + Bold + Cyan + ":: " + title + " ::" + Reset)
}

// SafeView is a thread-safe container for the latest streamed pool view.
type SafeView struct {
	mu   sync.RWMutex
	view *constantproduct.PoolView
}

func (s *SafeView) Update(v constantproduct.PoolView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.view = &v
}

func (s *SafeView) Get() *constantproduct.PoolView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view
}

// console holds what the command handlers share.
type console struct {
	ctx      context.Context
	caller   *client.Caller
	view     *SafeView
	reader   *bufio.Reader
	lastSnap *constantproduct.Snapshot
}

func main() {
	// --- 1. SETUP LOGGING (To File) ---
	logFile, err := os.OpenFile("console.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		panic(fmt.Sprintf("Failed to open log file: %v", err))
	}
	defer logFile.Close()

	rootLogger := slog.New(slog.NewJSONHandler(logFile, nil))

	closeApp := func() {
		fmt.Println("\n" + Red + "Fatal error occurred. Check console.log for details." + Reset)
		os.Exit(1)
	}

	// --- 2. CONFIG & CONTEXT ---
	cfg, err := loadConfig()
	if err != nil {
		rootLogger.Error("Failed to load configuration", "error", err)
		closeApp()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- 3. INITIALIZE CALLER & STREAM ---
	caller, err := client.Dial(ctx, cfg.PoolURL)
	if err != nil {
		rootLogger.Error("Failed to dial pool", "url", cfg.PoolURL, "error", err)
		closeApp()
	}
	defer caller.Close()

	stream, err := client.NewClient(ctx, client.Config{
		URL:        cfg.PoolURL,
		Logger:     rootLogger.With("component", "jsonrpc-client"),
		BufferSize: DefaultClientViewBufferSize,
	})
	if err != nil {
		rootLogger.Error("Failed to initialize Client", "url", cfg.PoolURL, "error", err)
		closeApp()
	}

	// --- 4. START CONSOLE & VIEW LOOP ---
	c := &console{
		ctx:    ctx,
		caller: caller,
		view:   &SafeView{},
		reader: bufio.NewReader(os.Stdin),
	}

	fmt.Println(Green + "Starting Pool Console..." + Reset)
	fmt.Println("Logs are being written to 'console.log'")
	go c.run()

	for {
		select {
		case v := <-stream.View():
			c.view.Update(v)

		case err, ok := <-stream.Err():
			if ok {
				rootLogger.Error("Fatal client error", "error", err)
				closeApp()
			}
			return

		case <-ctx.Done():
			fmt.Println("\n" + Yellow + "Shutting down..." + Reset)
			return
		}
	}
}

// run handles user input and display.
func (c *console) run() {
	time.Sleep(500 * time.Millisecond)

	for {
		if c.ctx.Err() != nil {
			return
		}

		printMenu()

		fmt.Print(Bold + "Enter selection: " + Reset)
		input, err := c.reader.ReadString('\n')
		if err != nil {
			fmt.Println("Error reading input:", err)
			continue
		}

		c.handleCommand(strings.TrimSpace(input))

		fmt.Println("\n" + Gray + "[Press Enter to continue]" + Reset)
		c.reader.ReadString('\n')
	}
}

func printMenu() {
	fmt.Print("\033[H\033[2J") // Clear screen
	fmt.Println(Bold + "AMM POOL CONSOLE" + Reset + Gray + " | v0.1.0" + Reset)
	fmt.Println(Gray + "-----------------------------------" + Reset)
	fmt.Printf(" %s1.%s Pool Status\n", Cyan, Reset)
	fmt.Printf(" %s2.%s Quote Swap  %s(no state change)%s\n", Cyan, Reset, Gray, Reset)
	fmt.Printf(" %s3.%s Swap\n", Cyan, Reset)
	fmt.Printf(" %s4.%s Deposit     %s(add liquidity)%s\n", Cyan, Reset, Gray, Reset)
	fmt.Printf(" %s5.%s Withdraw    %s(burn claims)%s\n", Cyan, Reset, Gray, Reset)
	fmt.Printf(" %s6.%s Claim Balance\n", Cyan, Reset)
	fmt.Printf(" %s7.%s Holders     %s(changes since last look)%s\n", Cyan, Reset, Gray, Reset)
	fmt.Printf(" %s8.%s Watch Pool  %s(Live Monitor)%s\n", Cyan, Reset, Gray, Reset)
	fmt.Println(Gray + "-----------------------------------" + Reset)
	fmt.Printf(" %sh.%s Help\n", Yellow, Reset)
	fmt.Printf(" %sq.%s Quit\n", Red, Reset)
	fmt.Println("")
}

func (c *console) handleCommand(input string) {
	// Allow help and quit even if the stream isn't ready
	if c.view.Get() == nil && input != "q" && input != "h" {
		fmt.Println("\n" + Yellow + "[INFO] Waiting for first pool view... (Check connection/logs)" + Reset)
		return
	}

	switch input {
	case "1":
		printStatus(*c.view.Get())
	case "2":
		c.quoteSwap()
	case "3":
		c.swap()
	case "4":
		c.deposit()
	case "5":
		c.withdraw()
	case "6":
		c.balance()
	case "7":
		c.holders()
	case "8":
		c.watch()
	case "h":
		printHelp()
	case "q":
		exitConsole()
	default:
		fmt.Println(Red + "Unknown command." + Reset)
	}
}

// --- COMMAND HANDLERS ---

func printHelp() {
	fmt.Print("\033[H\033[2J")

	header("CONSTANT-PRODUCT POOL")
	fmt.Println("A pool holds reserves of two assets, " + Yellow + "X" + Reset + " and " + Yellow + "Y" + Reset + ".")
	fmt.Println("Swaps keep " + Cyan + "reserveX * reserveY" + Reset + " from falling; a 0.3% fee stays in the pool.")
	fmt.Println("")
	fmt.Println(Bold + "CLAIMS" + Reset)
	fmt.Println("   Depositing both assets mints claims; burning claims returns a proportional")
	fmt.Println("   share of both reserves. The first deposit mints sqrt(x*y) claims.")
	fmt.Println("")
	fmt.Println(Bold + "STREAM" + Reset)
	fmt.Println("   The console follows the pool's event stream and rebuilds its view locally.")
	fmt.Println("   Operations are sent as RPC calls; their results arrive on the stream.")
	fmt.Println(Gray + "---------------------------------------------------------------" + Reset)
}

func printStatus(view constantproduct.PoolView) {
	header("POOL STATUS")

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 4, ' ', 0)
	fmt.Fprintf(w, "Name\t%s\t\n", view.Name)
	fmt.Fprintf(w, "Sequence\t%d\t\n", view.Seq)
	fmt.Fprintf(w, "Asset X\t%s\t\n", view.AssetX.Hex())
	fmt.Fprintf(w, "Asset Y\t%s\t\n", view.AssetY.Hex())
	fmt.Fprintf(w, "Reserve X\t%s\t\n", view.ReserveX.Dec())
	fmt.Fprintf(w, "Reserve Y\t%s\t\n", view.ReserveY.Dec())
	fmt.Fprintf(w, "Total Claims\t%s\t\n", view.TotalClaims.Dec())
	if price, err := calculator.SpotPrice(view.ReserveX, view.ReserveY); err == nil {
		fmt.Fprintf(w, "Price (X per Y, 1e18)\t%s\t\n", price.Dec())
	} else {
		fmt.Fprintf(w, "Price\t%s%s%s\t\n", Yellow, err, Reset)
	}
	w.Flush()
}

func (c *console) quoteSwap() {
	dir, amountIn, ok := c.readSwapInput()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, callTimeout)
	defer cancel()

	out, err := c.caller.QuoteSwap(ctx, dir, amountIn)
	if err != nil {
		printError(err)
		return
	}
	fmt.Printf(Green+"[QUOTE] %s in -> %s out (%s)%s\n", amountIn.Dec(), out.Dec(), dir, Reset)
}

func (c *console) swap() {
	caller, ok := c.readAddress("Caller Address")
	if !ok {
		return
	}
	dir, amountIn, ok := c.readSwapInput()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, callTimeout)
	defer cancel()

	out, err := c.caller.Swap(ctx, caller, dir, amountIn)
	if err != nil {
		printError(err)
		return
	}
	fmt.Printf(Green+"[SWAP] %s in -> %s out (%s)%s\n", amountIn.Dec(), out.Dec(), dir, Reset)
}

func (c *console) deposit() {
	holder, ok := c.readAddress("Holder Address")
	if !ok {
		return
	}
	amountX, ok := c.readAmount("Amount X")
	if !ok {
		return
	}
	amountY, ok := c.readAmount("Amount Y")
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, callTimeout)
	defer cancel()

	minted, err := c.caller.Deposit(ctx, holder, amountX, amountY)
	if err != nil {
		printError(err)
		return
	}
	fmt.Printf(Green+"[DEPOSIT] minted %s claims%s\n", minted.Dec(), Reset)
}

func (c *console) withdraw() {
	holder, ok := c.readAddress("Holder Address")
	if !ok {
		return
	}
	claims, ok := c.readAmount("Claims to burn")
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, callTimeout)
	defer cancel()

	amountX, amountY, err := c.caller.Withdraw(ctx, holder, claims)
	if err != nil {
		printError(err)
		return
	}
	fmt.Printf(Green+"[WITHDRAW] received %s X and %s Y%s\n", amountX.Dec(), amountY.Dec(), Reset)
}

func (c *console) balance() {
	holder, ok := c.readAddress("Holder Address")
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, callTimeout)
	defer cancel()

	balance, err := c.caller.BalanceOf(ctx, holder)
	if err != nil {
		printError(err)
		return
	}
	fmt.Printf("\n%s%s%s holds %s%s%s claims\n", Bold, holder.Hex(), Reset, Green, balance.Dec(), Reset)
}

// holders prints the claim holders and what changed since the previous call.
func (c *console) holders() {
	ctx, cancel := context.WithTimeout(c.ctx, callTimeout)
	defer cancel()

	snap, err := c.caller.GetSnapshot(ctx)
	if err != nil {
		printError(err)
		return
	}

	header("CLAIM HOLDERS")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 4, ' ', 0)
	fmt.Fprintln(w, "HOLDER\tCLAIMS\t")
	fmt.Fprintln(w, "------\t------\t")
	for _, b := range constantproduct.Differ(constantproduct.Snapshot{}, snap).Additions {
		fmt.Fprintf(w, "%s\t%s\t\n", b.Holder.Hex(), b.Balance.Dec())
	}
	w.Flush()

	if c.lastSnap != nil {
		header("CHANGES SINCE LAST LOOK")
		diff := constantproduct.Differ(*c.lastSnap, snap)
		if diff.IsEmpty() {
			fmt.Println(Gray + "No changes." + Reset)
		}
		for _, b := range diff.Additions {
			fmt.Printf(" %s+%s %s %s\n", Green, Reset, b.Holder.Hex(), b.Balance.Dec())
		}
		for _, b := range diff.Updates {
			fmt.Printf(" %s~%s %s %s\n", Yellow, Reset, b.Holder.Hex(), b.Balance.Dec())
		}
		for _, holder := range diff.Deletions {
			fmt.Printf(" %s-%s %s\n", Red, Reset, holder.Hex())
		}
	}
	c.lastSnap = &snap
}

func (c *console) watch() {
	fmt.Println(Green + "Starting Live Watch... (Press 'Enter' to stop)" + Reset)
	time.Sleep(1 * time.Second)

	stopCh := make(chan struct{})
	go func() {
		c.reader.ReadString('\n')
		close(stopCh)
	}()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var lastSeq uint64
	first := true
	for {
		select {
		case <-stopCh:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			view := c.view.Get()
			if view == nil || (!first && view.Seq == lastSeq) {
				continue
			}
			first = false
			lastSeq = view.Seq

			fmt.Print("\033[H\033[2J")
			fmt.Printf("%sWATCHING%s %s | seq %s#%d%s\n", Green, Reset, view.Name, Bold, view.Seq, Reset)
			printStatus(*view)
		}
	}
}

// --- INPUT HELPERS ---

func (c *console) prompt(label string) string {
	fmt.Print("\n" + Bold + label + ": " + Reset)
	input, _ := c.reader.ReadString('\n')
	return strings.TrimSpace(input)
}

func (c *console) readAddress(label string) (common.Address, bool) {
	input := c.prompt(label)
	if !common.IsHexAddress(input) {
		fmt.Printf(Red+"[ERROR] %q is not a hex address.%s\n", input, Reset)
		return common.Address{}, false
	}
	return common.HexToAddress(input), true
}

func (c *console) readAmount(label string) (*uint256.Int, bool) {
	input := c.prompt(label)
	amount, err := uint256.FromDecimal(input)
	if err != nil {
		fmt.Printf(Red+"[ERROR] Invalid amount %q: %v%s\n", input, err, Reset)
		return nil, false
	}
	return amount, true
}

func (c *console) readSwapInput() (constantproduct.Direction, *uint256.Int, bool) {
	input := c.prompt("Direction (xForY / yForX)")
	dir, err := constantproduct.ParseDirection(input)
	if err != nil {
		fmt.Printf(Red+"[ERROR] %v%s\n", err, Reset)
		return 0, nil, false
	}
	amountIn, ok := c.readAmount("Amount In")
	if !ok {
		return 0, nil, false
	}
	return dir, amountIn, true
}

func printError(err error) {
	fmt.Printf(Red+"[ERROR] %v%s\n", err, Reset)
}

func exitConsole() {
	fmt.Println(Yellow + "Exiting..." + Reset)
	os.Exit(0)
}

func loadConfig() (*config.ClientConfig, error) {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file.")
	flag.Parse()
	log.Printf("Loading configuration from: %s", *configPath)
	return config.LoadConfig(*configPath)
}
