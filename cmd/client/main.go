package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"pasofino/internal/constants"
	"pasofino/internal/logger"
	"pasofino/internal/realtime"
	"pasofino/internal/realtimeclient"
	"pasofino/internal/utils"
)

const (
	colorReset  = constants.ColorReset
	colorBold   = constants.ColorBold
	colorDim    = constants.ColorDim
	colorCyan   = constants.ColorCyan
	colorGreen  = constants.ColorGreen
	colorYellow = constants.ColorYellow
	colorRed    = constants.ColorRed
	colorPurple = constants.ColorPurple
)

var (
	serverURL     string
	token         string
	skipTLSVerify bool
	verbose       bool
)

var rootCmd = &cobra.Command{
	Use:   "pasofino",
	Short: "Terminal client for the Paso Fino realtime socket",
	Long: `Connects to the realtime socket to follow rooms, see who is online
and publish test events.

Examples:
  pasofino watch forum:1 thread:42
  pasofino post forum:1 --title "Potranca en venta"
  pasofino online`,
	Version:      constants.Version,
	SilenceUsage: true,
}

var watchCmd = &cobra.Command{
	Use:   "watch <room>...",
	Short: "Join rooms and print events until interrupted",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runWatch,
}

var (
	postTitle   string
	postExcerpt string
)

var postCmd = &cobra.Command{
	Use:   "post <room>",
	Short: "Publish a post:new event to a room",
	Args:  cobra.ExactArgs(1),
	RunE:  runPost,
}

var onlineCmd = &cobra.Command{
	Use:   "online",
	Short: "Print the users currently online",
	RunE:  runOnline,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", utils.GetEnv("PASOFINO_SERVER", constants.DefaultServerURL), "Server URL")
	rootCmd.PersistentFlags().StringVarP(&token, "token", "t", os.Getenv("PASOFINO_TOKEN"), "Access token")
	rootCmd.PersistentFlags().BoolVar(&skipTLSVerify, "insecure", false, "Skip TLS certificate verification")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")

	postCmd.Flags().StringVar(&postTitle, "title", "", "Post title")
	postCmd.Flags().StringVar(&postExcerpt, "excerpt", "", "Post excerpt")
	_ = postCmd.MarkFlagRequired("title")

	rootCmd.AddCommand(watchCmd, postCmd, onlineCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "  %s✗ %v%s\n", colorRed, err, colorReset)
		os.Exit(1)
	}
}

func printBanner() {
	fmt.Println()
	fmt.Printf("  %s%spasofino%s %sv%s%s\n", colorBold, colorCyan, colorReset, colorBold, constants.Version, colorReset)
	fmt.Printf("  %sComunidad Paso Fino · tiempo real%s\n", colorDim, colorReset)
	fmt.Println()
}

func printField(label, value, valueColor string) {
	fmt.Printf("  %s%-12s%s %s%s%s\n", colorDim, label, colorReset, valueColor, value, colorReset)
}

func printSep() {
	fmt.Printf("  %s%s%s\n", colorDim, strings.Repeat("─", 50), colorReset)
}

func dial(ctx context.Context, reconnect bool) (*realtimeclient.Client, error) {
	level := "warn"
	if verbose {
		level = "debug"
	}
	log := logger.New(logger.Config{Level: level, Format: "text"}, os.Stderr)

	return realtimeclient.Dial(ctx, strings.TrimRight(serverURL, "/")+constants.EndpointSocket, realtimeclient.Options{
		Token:         token,
		Reconnect:     reconnect,
		SkipTLSVerify: skipTLSVerify,
		Logger:        log,
	})
}

func runWatch(cmd *cobra.Command, rooms []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := dial(ctx, true)
	if err != nil {
		return err
	}
	defer c.Close()

	printBanner()
	printField("Server", serverURL, colorCyan)
	printField("Rooms", strings.Join(rooms, ", "), colorGreen)
	printSep()

	for _, kind := range []realtime.Kind{
		realtime.KindPostNew, realtime.KindCommentNew, realtime.KindVoteUpdate,
		realtime.KindTypingStart, realtime.KindTypingStop,
		realtime.KindPresenceOnline, realtime.KindPresenceOffline,
	} {
		c.On(kind, printEvent)
	}
	for _, room := range rooms {
		if err := c.JoinRoom(room); err != nil {
			return err
		}
	}

	<-ctx.Done()
	fmt.Println()
	fmt.Printf("  %s👋 Bye%s\n", colorDim, colorReset)
	return nil
}

func printEvent(e realtime.Event) {
	ts := e.SentAt
	if ts.IsZero() {
		ts = time.Now()
	}
	stamp := fmt.Sprintf("%s%s%s", colorDim, ts.Local().Format("15:04:05"), colorReset)

	switch p := e.Payload.(type) {
	case realtime.NewPost:
		fmt.Printf("  %s %s📝 %s%s %s%s%s\n", stamp, colorGreen, e.Room, colorReset, colorBold, p.Title, colorReset)
	case realtime.NewComment:
		fmt.Printf("  %s %s💬 %s%s %s\n", stamp, colorCyan, e.Room, colorReset, p.Body)
	case realtime.VoteUpdate:
		fmt.Printf("  %s %s▲ %s%s %s %s = %d\n", stamp, colorPurple, e.Room, colorReset, p.TargetType, p.TargetID, p.Score)
	case realtime.Typing:
		verb := "está escribiendo…"
		if e.Kind == realtime.KindTypingStop {
			verb = "dejó de escribir"
		}
		fmt.Printf("  %s %s✎ %s%s %s %s\n", stamp, colorDim, e.Room, colorReset, displayName(p.Name, p.UserID), verb)
	case realtime.Presence:
		if e.Kind == realtime.KindPresenceOnline {
			fmt.Printf("  %s %s● %s en línea%s\n", stamp, colorGreen, displayName(p.User.Name, p.User.Email), colorReset)
		} else {
			fmt.Printf("  %s %s○ %s desconectado%s\n", stamp, colorYellow, displayName(p.User.Name, p.User.Email), colorReset)
		}
	}
}

func displayName(name, fallback string) string {
	if name != "" {
		return name
	}
	return fallback
}

func runPost(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), constants.WSHandshakeTimeout)
	defer cancel()

	c, err := dial(ctx, false)
	if err != nil {
		return err
	}
	defer c.Close()

	room := args[0]
	if err := c.JoinRoom(room); err != nil {
		return err
	}
	post := realtime.NewPost{
		ID:        uuid.NewString(),
		Title:     postTitle,
		Excerpt:   postExcerpt,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.EmitNewPost(room, post); err != nil {
		return err
	}

	fmt.Printf("  %s✓ Published to %s%s\n", colorGreen, room, colorReset)
	return nil
}

func runOnline(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), constants.WSHandshakeTimeout)
	defer cancel()

	c, err := dial(ctx, false)
	if err != nil {
		return err
	}
	defer c.Close()

	// presence:list arrives right after connecting
	done := make(chan struct{})
	off := c.On(realtime.KindPresenceList, func(realtime.Event) {
		select {
		case <-done:
		default:
			close(done)
		}
	})
	defer off()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("no presence list from server: %w", ctx.Err())
	}

	users := c.OnlineUsers()
	printBanner()
	if len(users) == 0 {
		fmt.Printf("  %sNadie en línea%s\n", colorDim, colorReset)
		return nil
	}
	for _, u := range users {
		printField(displayName(u.Name, u.ID), u.Email, colorGreen)
	}
	return nil
}
