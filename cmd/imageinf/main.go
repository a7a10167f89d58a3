// Image Inferencing command line client
//
// Sub-commands:
//
//	imageinf login                  Log in through the Tapis authorize page
//	imageinf logout                 Forget the saved token
//	imageinf token                  Show the saved token status
//	imageinf models [-clip]         List inference models
//	imageinf classify [flags]       Classify a curated set or files
//	imageinf fetch -file sys:path   Download a file from Tapis
//	imageinf status                 Check the inference service
//	imageinf cache [-clear]         Show or clear the content cache
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/TACC/imageInf/internal/auth"
	"github.com/TACC/imageInf/internal/config"
	"github.com/TACC/imageInf/internal/gallery"
	"github.com/TACC/imageInf/internal/logging"
	"github.com/TACC/imageInf/internal/session"
	"github.com/TACC/imageInf/pkg/cache"
	"github.com/TACC/imageInf/pkg/client"
	"github.com/TACC/imageInf/pkg/logger"
	"github.com/TACC/imageInf/pkg/models"
	"github.com/TACC/imageInf/pkg/protocol"
	"github.com/TACC/imageInf/pkg/retry"
)

// cliSession is the session id used inside the CLI's session file.
const cliSession = "cli"

const (
	contentCacheSize = 256 << 20
	contentCacheTTL  = 5 * time.Minute
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// The provider logs through zap; the CLI only wants its own output.
	logging.InitNop()

	args := os.Args[2:]
	switch os.Args[1] {
	case "login":
		cmdLogin(args)
	case "logout":
		cmdLogout(args)
	case "token":
		cmdToken(args)
	case "models":
		cmdModels(args)
	case "classify":
		cmdClassify(args)
	case "fetch":
		cmdFetch(args)
	case "status":
		cmdStatus(args)
	case "cache":
		cmdCache(args)
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: imageinf <command> [flags]

Commands:
  login      Log in through the Tapis authorize page
  logout     Forget the saved token
  token      Show the saved token status
  models     List inference models
  classify   Classify a curated set or files
  fetch      Download a file from Tapis
  status     Check the inference service
  cache      Show or clear the content cache

Run 'imageinf <command> -h' for command flags.`)
}

// options are the flags shared by every sub-command.
type options struct {
	env          *string
	identityHost *string
	sessionFile  *string
	verbosity    *int
}

func commonFlags(fs *flag.FlagSet) *options {
	return &options{
		env:          fs.String("env", envOr("IMAGEINF_ENV", "prod"), "Environment: local, prod or pprd"),
		identityHost: fs.String("identity", envOr("TAPIS_IDENTITY_HOST", "https://designsafe.tapis.io"), "Tapis identity host"),
		sessionFile:  fs.String("session", session.DefaultFilePath(), "Session file"),
		verbosity:    fs.Int("v", 1, "Verbosity level: 0=quiet, 1=info, 2=debug"),
	}
}

func (o *options) apply() config.EnvConfig {
	if lvl := os.Getenv("IMAGEINF_LOG_LEVEL"); lvl != "" {
		logger.SetLevel(logger.ParseLevel(lvl))
	} else {
		logger.SetLevel(logger.FromVerbosity(*o.verbosity))
	}
	env, err := config.ParseEnvironment(*o.env)
	if err != nil {
		fatalf("%v", err)
	}
	return config.ForEnvironment(env)
}

func (o *options) session() *session.Session {
	return session.New(session.NewFileStore(*o.sessionFile), cliSession)
}

func newClient(env config.EnvConfig, contentCache *cache.Cache) *client.Client {
	return client.New(client.Config{
		APIBasePath:  env.APIBasePath,
		Timeout:      2 * time.Minute,
		ContentRetry: retry.WithRetries(2),
		ContentCache: contentCache,
	})
}

// requireToken validates the saved token and exits when there is none.
func (o *options) requireToken(ctx context.Context, c *client.Client) models.TokenInfo {
	info := auth.NewProvider(c, 0).GetToken(ctx, o.session(), *o.identityHost, nil)
	if !info.IsValid {
		fatalf("not logged in or token expired. Run 'imageinf login'.")
	}
	logger.Debug("Using token for %s", info.TapisHost)
	return info
}

// ─── login / logout / token ─────────────────────────────────────────────────

func cmdLogin(args []string) {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	opts := commonFlags(fs)
	fs.Parse(args)
	env := opts.apply()

	redirect := auth.RedirectURI(env.Host)
	fmt.Println("Open this URL in a browser and log in:")
	fmt.Println()
	fmt.Println("  " + auth.AuthorizeURL(*opts.identityHost, env.ClientID, redirect))
	fmt.Println()
	fmt.Printf("After login the browser lands on %s...\n", redirect)
	fmt.Print("Paste that full URL here: ")

	raw, err := readSecret()
	if err != nil {
		fatalf("reading callback URL: %v", err)
	}

	token, expiresAt, err := auth.ParseCallbackURL(raw, time.Now())
	if err != nil {
		fatalf("%v", err)
	}
	sess := opts.session()
	ctx := context.Background()
	if err := sess.SetToken(ctx, token, expiresAt); err != nil {
		fatalf("saving token: %v", err)
	}

	info := auth.NewProvider(newClient(env, nil), 0).GetToken(ctx, sess, *opts.identityHost, nil)
	if !info.IsValid {
		fatalf("the pasted token was not accepted by Tapis")
	}
	fmt.Printf("Login successful! Token valid until %s, saved to %s\n",
		expiresAt.Local().Format(time.RFC1123), *opts.sessionFile)
}

// readSecret reads one line without echo when stdin is a terminal, since
// the callback URL carries the token.
func readSecret() (string, error) {
	fd := int(syscall.Stdin)
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Println()
		return strings.TrimSpace(string(b)), err
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func cmdLogout(args []string) {
	fs := flag.NewFlagSet("logout", flag.ExitOnError)
	opts := commonFlags(fs)
	fs.Parse(args)
	opts.apply()

	if err := opts.session().Clear(context.Background()); err != nil {
		fatalf("clearing session: %v", err)
	}
	fmt.Println("Logged out successfully.")
}

func cmdToken(args []string) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	opts := commonFlags(fs)
	show := fs.Bool("show", false, "Print the raw token")
	fs.Parse(args)
	env := opts.apply()

	ctx := context.Background()
	stored, ok, err := opts.session().Token(ctx)
	if err != nil {
		fatalf("reading session: %v", err)
	}
	info := auth.NewProvider(newClient(env, nil), 0).GetToken(ctx, opts.session(), *opts.identityHost, nil)

	fmt.Printf("Tapis host: %s\n", info.TapisHost)
	fmt.Printf("Valid:      %t\n", info.IsValid)
	if ok && info.IsValid {
		fmt.Printf("Expires:    %s\n", stored.ExpiresAt.Local().Format(time.RFC1123))
		if claims, err := auth.DecodeToken(info.Token); err == nil && claims.Username != "" {
			fmt.Printf("User:       %s (%s)\n", claims.Username, claims.TenantID)
		}
	}
	if *show && info.IsValid {
		fmt.Println(info.Token)
	}
	if !info.IsValid {
		os.Exit(1)
	}
}

// ─── models / classify / fetch ──────────────────────────────────────────────

func cmdModels(args []string) {
	fs := flag.NewFlagSet("models", flag.ExitOnError)
	opts := commonFlags(fs)
	clip := fs.Bool("clip", false, "Only list clip models")
	fs.Parse(args)
	env := opts.apply()

	ctx := context.Background()
	c := newClient(env, nil)
	info := opts.requireToken(ctx, c)

	list, err := c.FetchModels(ctx, info.Token)
	if err != nil {
		fatalf("%v", err)
	}
	if *clip {
		list = gallery.ClipModels(list)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTYPE\tDESCRIPTION")
	for _, m := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", m.Name, m.Type, m.Description)
	}
	tw.Flush()
}

// stringList collects a repeatable flag.
type stringList []string

func (s *stringList) String() string     { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error { *s = append(*s, v); return nil }

func cmdClassify(args []string) {
	fs := flag.NewFlagSet("classify", flag.ExitOnError)
	opts := commonFlags(fs)
	set := fs.String("set", "", "Curated set (set1, set2, ...)")
	var files, labels stringList
	fs.Var(&files, "file", "File as system:path (repeatable)")
	fs.Var(&labels, "label", "Candidate label (repeatable)")
	model := fs.String("model", "", "Model name (default: first clip model)")
	sensitivity := fs.String("sensitivity", string(protocol.SensitivityMedium), "high, medium or low")
	asJSON := fs.Bool("json", false, "Print the raw response")
	browse := fs.Bool("browse", false, "Step through the classified files afterwards")
	var show stringList
	fs.Var(&show, "show", "With -browse, only files carrying this label (repeatable)")
	fs.Parse(args)
	env := opts.apply()

	sens, err := protocol.ParseSensitivity(*sensitivity)
	if err != nil {
		fatalf("%v", err)
	}

	var targets []models.TapisFile
	if *set != "" {
		s, ok := gallery.FindSet(gallery.CuratedSets(gallery.CuratedFiles(), gallery.SetSize), *set)
		if !ok {
			fatalf("unknown curated set %q", *set)
		}
		targets = append(targets, s.Files...)
	}
	for _, f := range files {
		tf, err := models.ParseTapisFile(f)
		if err != nil {
			fatalf("%v", err)
		}
		targets = append(targets, tf)
	}
	if len(targets) == 0 {
		fatalf("nothing to classify: use -set or -file")
	}

	ctx := context.Background()
	c := newClient(env, nil)
	info := opts.requireToken(ctx, c)

	if *model == "" {
		list, err := c.FetchModels(ctx, info.Token)
		if err != nil {
			fatalf("%v", err)
		}
		name, ok := gallery.DefaultModel(list)
		if !ok {
			fatalf("no clip model available; pass -model")
		}
		*model = name
	}
	logger.Info("Classifying %d file(s) with %s (%s sensitivity)", len(targets), *model, sens)

	resp, err := c.SubmitInference(ctx, info.Token, protocol.InferenceRequest{
		Files:       targets,
		Model:       *model,
		Labels:      labels,
		Sensitivity: sens,
	})
	if err != nil {
		fatalf("%v", err)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(resp)
		return
	}

	results := resp.Effective()
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, r := range results {
		fmt.Fprintf(tw, "%s\n", r.File().Name())
		for _, p := range r.Predictions {
			fmt.Fprintf(tw, "  %s\t%.3f\n", p.Label, p.Score)
		}
	}
	tw.Flush()

	fmt.Println()
	fmt.Println("Labels:")
	tw = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, lc := range gallery.Aggregate(results) {
		fmt.Fprintf(tw, "  %s\t%d\n", lc.Label, lc.Count)
	}
	tw.Flush()

	if *browse {
		browseResults(results, show)
	}
}

// browseResults pages through the classified files one at a time.
func browseResults(results []models.InferenceResult, selected []string) {
	files := gallery.Filter(results, gallery.FilesOf(results), selected)
	if len(files) == 0 {
		fmt.Println("No files carry the selected labels.")
		return
	}

	b := gallery.NewBrowser(files)
	b.Open(0)
	in := bufio.NewScanner(os.Stdin)
	for b.IsOpen() {
		f, _ := b.Current()
		fmt.Printf("\n[%s] %s\n", b.Position(), f)
		fmt.Printf("  labels: %s\n", strings.Join(gallery.LabelsFor(results, f), ", "))

		var keys []string
		if b.CanPrev() {
			keys = append(keys, "p=prev")
		}
		if b.CanNext() {
			keys = append(keys, "n=next")
		}
		keys = append(keys, "q=quit")
		fmt.Printf("%s > ", strings.Join(keys, " "))

		if !in.Scan() {
			b.Close()
			break
		}
		switch strings.TrimSpace(in.Text()) {
		case "n", "":
			if !b.Next() {
				b.Close()
			}
		case "p":
			b.Prev()
		case "q":
			b.Close()
		}
	}
	fmt.Println()
}

func cmdFetch(args []string) {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	opts := commonFlags(fs)
	file := fs.String("file", "", "File as system:path (required)")
	out := fs.String("o", "", "Output path (default: file name)")
	cacheDir := fs.String("cache", defaultCacheDir(), "Content cache directory")
	fs.Parse(args)
	env := opts.apply()

	if *file == "" {
		fs.Usage()
		os.Exit(1)
	}
	tf, err := models.ParseTapisFile(*file)
	if err != nil {
		fatalf("%v", err)
	}
	if *out == "" {
		*out = tf.Name()
	}

	contentCache, err := cache.New(*cacheDir, contentCacheSize, contentCacheTTL)
	if err != nil {
		fatalf("%v", err)
	}
	if err := contentCache.LoadIndex(); err != nil {
		logger.Debug("Cache index not loaded: %v", err)
	}

	ctx := context.Background()
	c := newClient(env, contentCache)
	info := opts.requireToken(ctx, c)

	fc, err := c.FetchFileContent(ctx, info, tf)
	// Saved before any exit below; os.Exit skips deferred calls.
	if err := contentCache.SaveIndex(); err != nil {
		logger.Warn("Cache index not saved: %v", err)
	}
	if err != nil {
		fatalf("%v", err)
	}
	if !fc.IsImage() {
		logger.Warn("%s is not an image (%s)", tf.Name(), fc.ContentType)
	}
	if err := os.WriteFile(*out, fc.Data, 0644); err != nil {
		fatalf("%v", err)
	}
	src := "downloaded"
	if fc.Cached {
		src = "from cache"
	}
	fmt.Printf("Wrote %s (%d bytes, %s, %s)\n", *out, len(fc.Data), fc.ContentType, src)
}

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	opts := commonFlags(fs)
	fs.Parse(args)
	env := opts.apply()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	c := newClient(env, nil)
	fmt.Printf("Inference API: %s\n", c.APIBasePath())
	if err := c.Status(ctx); err != nil {
		fmt.Printf("Status:        unavailable (%v)\n", err)
		os.Exit(1)
	}
	fmt.Println("Status:        ok")
}

func cmdCache(args []string) {
	fs := flag.NewFlagSet("cache", flag.ExitOnError)
	cacheDir := fs.String("cache", defaultCacheDir(), "Content cache directory")
	clearAll := fs.Bool("clear", false, "Remove all cached files")
	fs.Parse(args)

	c, err := cache.New(*cacheDir, contentCacheSize, contentCacheTTL)
	if err != nil {
		fatalf("%v", err)
	}
	if err := c.LoadIndex(); err != nil {
		logger.Debug("Cache index not loaded: %v", err)
	}

	if *clearAll {
		n := c.Clear()
		if err := c.SaveIndex(); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("Removed %d cached file(s) from %s\n", n, c.Dir())
		return
	}

	size, maxSize, count := c.Stats()
	fmt.Printf("Cache:   %s\n", c.Dir())
	fmt.Printf("Files:   %d\n", count)
	fmt.Printf("Size:    %.1f MB of %.0f MB\n", float64(size)/(1<<20), float64(maxSize)/(1<<20))
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "imageinf")
	}
	return filepath.Join(os.TempDir(), "imageinf-cache")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
