package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	_ "github.com/joho/godotenv/autoload"

	"github.com/Uttam-Singhh/TikShot/internal/config"
	"github.com/Uttam-Singhh/TikShot/internal/logging"
	"github.com/Uttam-Singhh/TikShot/internal/player"
	"github.com/Uttam-Singhh/TikShot/internal/tikshot"
)

const usage = `usage: player <command> [flags]

commands:
  init-game  -fee-bps N                  create the game account (authority only)
  register                               create the wallet's player account
  bet        -dir up|down -amount C [-round N]
  claim      [-round N]                  claim one round, or every claimable round
  status     [-depth N]                  balance, current round and claimable rounds
`

func main() {
	bootstrapLogger := logging.Bootstrap()

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.LoadPlayerConfig()
	if err != nil {
		bootstrapLogger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger, closeLogger, err := logging.New("player", cfg.Log)
	if err != nil {
		bootstrapLogger.Error("failed to initialize logger", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := closeLogger(); closeErr != nil {
			bootstrapLogger.Error("failed to close logger", "err", closeErr)
		}
	}()

	gateway, err := cfg.Solana.LoadGateway()
	if err != nil {
		logger.Error("failed to initialize program gateway", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := &cli{
		gateway: gateway,
		session: player.NewSession(gateway, gateway.Authority(), player.Options{OptimisticWindow: cfg.OptimisticWindow}, logger),
		out:     os.Stdout,
	}
	if err := app.run(ctx, os.Args[1], os.Args[2:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		logger.Error("command failed", "command", os.Args[1], "err", err)
		os.Exit(1)
	}
}

type cli struct {
	gateway *tikshot.Gateway
	session *player.Session
	out     io.Writer
}

func (c *cli) run(ctx context.Context, command string, args []string) error {
	switch command {
	case "init-game":
		return c.initGame(ctx, args)
	case "register":
		sig, err := c.session.Register(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "registered %s (%s)\n", c.session.Wallet(), sig)
		return nil
	case "bet":
		return c.bet(ctx, args)
	case "claim":
		return c.claim(ctx, args)
	case "status":
		return c.status(ctx, args)
	case "help", "-h", "--help":
		fmt.Fprint(c.out, usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func (c *cli) initGame(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("init-game", flag.ContinueOnError)
	feeBps := fs.Uint("fee-bps", 100, "house fee in basis points")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if uint64(*feeBps) > tikshot.BpsDenominator {
		return fmt.Errorf("fee-bps must be <= %d", tikshot.BpsDenominator)
	}
	sig, err := c.gateway.InitGame(ctx, uint16(*feeBps))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "game initialized with fee %d bps (%s)\n", *feeBps, sig)
	return nil
}

func (c *cli) bet(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("bet", flag.ContinueOnError)
	rawDir := fs.String("dir", "", "up or down")
	rawAmount := fs.String("amount", "", "credits to stake, e.g. 10 or 2.5")
	roundFlag := fs.Int64("round", -1, "round id (default: the current round)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	direction, err := tikshot.ParseDirection(*rawDir)
	if err != nil {
		return err
	}
	amount, err := parseCredits(*rawAmount)
	if err != nil {
		return err
	}
	roundID, err := c.resolveRound(ctx, *roundFlag)
	if err != nil {
		return err
	}

	sig, err := c.session.Bet(ctx, roundID, direction, amount)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "bet %s %s on round %d (%s)\n", formatCredits(amount), direction, roundID, sig)
	if credits, ok := c.session.Balance(); ok {
		fmt.Fprintf(c.out, "balance: %s\n", formatCredits(credits))
	}
	return nil
}

func (c *cli) claim(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("claim", flag.ContinueOnError)
	roundFlag := fs.Int64("round", -1, "round id (default: every claimable round)")
	depth := fs.Int("depth", player.DefaultHistoryDepth, "rounds to look back when claiming all")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var roundIDs []uint64
	if *roundFlag >= 0 {
		roundIDs = []uint64{uint64(*roundFlag)}
	} else {
		claimable, err := c.session.ClaimableRounds(ctx, *depth)
		if err != nil {
			return err
		}
		for _, item := range claimable {
			roundIDs = append(roundIDs, item.RoundID)
		}
		if len(roundIDs) == 0 {
			fmt.Fprintln(c.out, "nothing to claim")
			return nil
		}
	}

	for _, roundID := range roundIDs {
		sig, err := c.session.Claim(ctx, roundID)
		if err != nil {
			return fmt.Errorf("claim round %d: %w", roundID, err)
		}
		fmt.Fprintf(c.out, "claimed round %d (%s)\n", roundID, sig)
	}
	return nil
}

func (c *cli) status(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	depth := fs.Int("depth", player.DefaultHistoryDepth, "rounds to look back for claims")
	if err := fs.Parse(args); err != nil {
		return err
	}

	credits, err := c.session.Refresh(ctx)
	switch {
	case err == nil:
		fmt.Fprintf(c.out, "wallet:  %s\nbalance: %s\n", c.session.Wallet(), formatCredits(credits))
	case tikshot.IsNotFound(err):
		fmt.Fprintf(c.out, "wallet:  %s (not registered)\n", c.session.Wallet())
	default:
		return err
	}

	reader := tikshot.NewDualReader(c.gateway)
	game, err := reader.FetchGame(ctx)
	if err != nil {
		if tikshot.IsNotFound(err) {
			fmt.Fprintln(c.out, "game:    not initialized")
			return nil
		}
		return err
	}
	fmt.Fprintf(c.out, "game:    fee %d bps, %d rounds\n", game.FeeBps, game.RoundCount)
	if game.RoundCount > 0 {
		round, endpoint, err := reader.FetchRound(ctx, game.RoundCount-1)
		if err != nil && !tikshot.IsNotFound(err) {
			return err
		}
		if round != nil {
			fmt.Fprintf(c.out, "round:   #%d %s/%s on %s, up %s, down %s, %d bets\n",
				round.RoundID, round.Status, round.Result, endpoint,
				formatCredits(round.TotalUp), formatCredits(round.TotalDown), round.NumBets)
		}
	}

	claimable, err := c.session.ClaimableRounds(ctx, *depth)
	if err != nil {
		return err
	}
	for _, item := range claimable {
		fmt.Fprintf(c.out, "claim:   round %d (%s) pays %s\n", item.RoundID, item.Result, formatCredits(item.Payout))
	}
	return nil
}

// resolveRound maps a negative flag value to the game's latest round.
func (c *cli) resolveRound(ctx context.Context, raw int64) (uint64, error) {
	if raw >= 0 {
		return uint64(raw), nil
	}
	game, err := tikshot.NewDualReader(c.gateway).FetchGame(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch game: %w", err)
	}
	if game.RoundCount == 0 {
		return 0, errors.New("no round has been started yet")
	}
	return game.RoundCount - 1, nil
}

// parseCredits converts a decimal credit amount into base units.
func parseCredits(raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errors.New("amount is required")
	}
	whole, frac, _ := strings.Cut(raw, ".")
	if len(frac) > tikshot.CreditDecimals {
		return 0, fmt.Errorf("amount %q has more than %d decimals", raw, tikshot.CreditDecimals)
	}
	// ".5" has an empty whole part; "." alone still fails to parse.
	var (
		units uint64
		err   error
	)
	if whole != "" || frac == "" {
		if units, err = strconv.ParseUint(whole, 10, 64); err != nil {
			return 0, fmt.Errorf("invalid amount %q: %w", raw, err)
		}
	}
	var fracUnits uint64
	if frac != "" {
		padded := frac + strings.Repeat("0", tikshot.CreditDecimals-len(frac))
		if fracUnits, err = strconv.ParseUint(padded, 10, 64); err != nil {
			return 0, fmt.Errorf("invalid amount %q: %w", raw, err)
		}
	}
	if units > (^uint64(0)-fracUnits)/tikshot.CreditScale {
		return 0, fmt.Errorf("amount %q overflows", raw)
	}
	total := units*tikshot.CreditScale + fracUnits
	if total == 0 {
		return 0, errors.New("amount must be > 0")
	}
	return total, nil
}

func formatCredits(units uint64) string {
	whole := units / tikshot.CreditScale
	frac := units % tikshot.CreditScale
	if frac == 0 {
		return strconv.FormatUint(whole, 10)
	}
	return strings.TrimRight(fmt.Sprintf("%d.%09d", whole, frac), "0")
}
