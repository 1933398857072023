// Command mtacore collects messages into a queue and writes them out for
// mailers, converting between 8-bit and 7-bit transfer encodings as needed.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/mjl-/sconf"

	"github.com/mjl-/mtacore/config"
	"github.com/mjl-/mtacore/message"
	"github.com/mjl-/mtacore/mlog"
	"github.com/mjl-/mtacore/queue"
)

func envString(k, def string) string {
	s := os.Getenv(k)
	if s == "" {
		return def
	}
	return s
}

var commands = []struct {
	cmd string
	fn  func(c *cmd)
}{
	{"queue add", cmdQueueAdd},
	{"queue list", cmdQueueList},
	{"queue deliver", cmdQueueDeliver},
	{"queue remove", cmdQueueRemove},
	{"crackaddr", cmdCrackaddr},
	{"config test", cmdConfigTest},
	{"config describe", cmdConfigDescribe},
	{"help", cmdHelp},
}

var cmds []cmd

func init() {
	for _, xc := range commands {
		c := cmd{words: strings.Split(xc.cmd, " "), fn: xc.fn}
		cmds = append(cmds, c)
	}
}

type cmd struct {
	words []string
	fn    func(c *cmd)

	// Set before calling command.
	flag     *flag.FlagSet
	flagArgs []string
	_gather  bool // Set when using Parse to gather usage for a command.

	// Set by invoked command or Parse.
	params string // Arguments to command. Multiple lines possible.
	help   string // Additional explanation. First line is synopsis, the rest is only printed for an explicit help/usage for that command.
	args   []string

	log mlog.Log
}

func (c *cmd) Parse() []string {
	// To gather params and usage information, the command is run until it calls
	// Parse, after registering its flags and setting params and help.
	if c._gather {
		panic("gather")
	}

	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	c.args = c.flag.Args()
	return c.args
}

func (c *cmd) gather() {
	c.flag = flag.NewFlagSet("mtacore "+strings.Join(c.words, " "), flag.ExitOnError)
	c._gather = true
	defer func() {
		x := recover()
		// panic generated by Parse.
		if x != "gather" {
			panic(x)
		}
	}()
	c.fn(c)
}

func (c *cmd) makeUsage() string {
	var r strings.Builder
	cs := "mtacore " + strings.Join(c.words, " ")
	for i, line := range strings.Split(strings.TrimSpace(c.params), "\n") {
		s := ""
		if i == 0 {
			s = "usage:"
		}
		if line != "" {
			line = " " + line
		}
		fmt.Fprintf(&r, "%6s %s%s\n", s, cs, line)
	}
	c.flag.SetOutput(&r)
	c.flag.PrintDefaults()
	return r.String()
}

func (c *cmd) Usage() {
	fmt.Fprint(os.Stderr, c.makeUsage())
	if c.help != "" {
		fmt.Fprint(os.Stderr, "\n"+c.help+"\n")
	}
	os.Exit(2)
}

func cmdHelp(c *cmd) {
	c.params = "[command ...]"
	c.help = `Prints help about matching commands.

If multiple commands match, they are listed along with the first line of their help text.
If a single command matches, its usage and full help text is printed.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	var partial []cmd
	for _, c := range cmds {
		if slices.Equal(c.words, args) {
			c.gather()
			fmt.Print(c.makeUsage())
			if c.help != "" {
				fmt.Print("\n" + c.help + "\n")
			}
			return
		} else if len(args) <= len(c.words) && slices.Equal(args, c.words[:len(args)]) {
			partial = append(partial, c)
		}
	}
	if len(partial) == 0 {
		fmt.Fprintf(os.Stderr, "%s: unknown command\n", strings.Join(args, " "))
		os.Exit(2)
	}
	for _, c := range partial {
		c.gather()
		fmt.Printf("mtacore %s\n", strings.Join(c.words, " "))
		if c.help != "" {
			fmt.Printf("\t%s\n", strings.Split(c.help, "\n")[0])
		}
	}
}

func usage(l []cmd) {
	lines := []string{"mtacore [-config mtacore.conf] [-loglevel level] ..."}
	for _, c := range l {
		c.gather()
		for _, line := range strings.Split(c.params, "\n") {
			x := append([]string{"mtacore"}, c.words...)
			if line != "" {
				x = append(x, line)
			}
			lines = append(lines, strings.Join(x, " "))
		}
	}
	for i, line := range lines {
		pre := "       "
		if i == 0 {
			pre = "usage: "
		}
		fmt.Fprintln(os.Stderr, pre+line)
	}
	os.Exit(2)
}

var configPath string
var loglevel string

// mustLoadConfig loads the configuration file, or returns the defaults if it
// does not exist. A log level from the command-line overrides the configured
// level.
func mustLoadConfig() config.Static {
	var conf config.Static
	if _, err := os.Stat(configPath); err != nil && errors.Is(err, os.ErrNotExist) {
		conf = config.Default()
	} else {
		conf, err = config.Load(configPath)
		xcheckf(err, "loading config")
	}
	levels := conf.LogLevels()
	if loglevel != "" {
		level, ok := mlog.Levels[loglevel]
		if !ok {
			log.Fatalf("unknown loglevel %q", loglevel)
		}
		levels[""] = level
	}
	mlog.SetConfig(levels)
	return conf
}

func main() {
	log.SetFlags(0)

	flag.StringVar(&configPath, "config", envString("MTACORECONF", "mtacore.conf"), "configuration file, defaults to $MTACORECONF with a fallback to mtacore.conf; if absent, defaults are used")
	flag.StringVar(&loglevel, "loglevel", "", "if non-empty, overrides the log level from the config file")
	flag.Usage = func() { usage(cmds) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage(cmds)
	}

next:
	for _, c := range cmds {
		for i, w := range c.words {
			if i >= len(args) || w != args[i] {
				continue next
			}
		}
		c.flag = flag.NewFlagSet("mtacore "+strings.Join(c.words, " "), flag.ExitOnError)
		c.flagArgs = args[len(c.words):]
		c.log = mlog.New(strings.Join(c.words, ""), nil)
		c.fn(&c)
		return
	}
	usage(cmds)
}

func xcheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Fatalf("%s: %s", msg, err)
}

func openQueue(conf config.Static) *queue.Queue {
	q, err := queue.Open(context.Background(), mlog.New("queue", nil), filepath.Join(conf.DataDir, "queue"))
	xcheckf(err, "open queue")
	return q
}

func cmdQueueAdd(c *cmd) {
	c.params = "[-from sender] recipient ... <message"
	c.help = `Collect a message from stdin and add it to the queue.

The header is separated from the body, default header fields from the config
are added, and the message is checked for size and hop count limits. The queue
ID is printed.
`
	var from string
	c.flag.StringVar(&from, "from", "", "envelope sender")
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	conf := mustLoadConfig()
	q := openQueue(conf)
	defer func() {
		err := q.Close()
		c.log.Check(err, "closing queue")
	}()
	m, err := q.Ingest(context.Background(), conf, from, args, os.Stdin)
	xcheckf(err, "adding message to queue")
	fmt.Println(m.ID)
}

func cmdQueueList(c *cmd) {
	c.help = `List messages in the queue.`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	conf := mustLoadConfig()
	q := openQueue(conf)
	defer func() {
		err := q.Close()
		c.log.Check(err, "closing queue")
	}()
	l, err := q.List(context.Background())
	xcheckf(err, "listing queue")
	for _, m := range l {
		var flags []string
		if m.Has8bit {
			flags = append(flags, "8bit")
		}
		if m.MIMEDisabled {
			flags = append(flags, "mimedisabled")
		}
		fmt.Printf("%d %s size %d hops %d from %q to %s %s\n", m.ID, m.Queued.Format("2006-01-02T15:04:05"), m.Size, m.HopCount, m.Sender, strings.Join(m.Recipients, ","), strings.Join(flags, ","))
	}
}

func cmdQueueDeliver(c *cmd) {
	c.params = "[-remove] id mailer >message"
	c.help = `Write a queued message in the format of a mailer to stdout.

The header is written for the mailer, and the body is converted to 7-bit for
mailers with flag 7, or decoded to 8-bit for mailers with flag 9. With -remove,
the message is removed from the queue after it was written.
`
	var remove bool
	c.flag.BoolVar(&remove, "remove", false, "remove message from queue after writing it")
	args := c.Parse()
	if len(args) != 2 {
		c.Usage()
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	xcheckf(err, "parsing id")

	conf := mustLoadConfig()
	q := openQueue(conf)
	defer func() {
		err := q.Close()
		c.log.Check(err, "closing queue")
	}()
	ctx := context.Background()
	m, err := q.Get(ctx, id)
	xcheckf(err, "get message")
	err = q.Deliver(ctx, conf, m, args[1], os.Stdout)
	xcheckf(err, "writing message")
	if remove {
		err := q.Remove(ctx, id)
		xcheckf(err, "removing message from queue")
	}
}

func cmdQueueRemove(c *cmd) {
	c.params = "id ..."
	c.help = `Remove messages from the queue.`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}
	var ids []int64
	for _, s := range args {
		id, err := strconv.ParseInt(s, 10, 64)
		xcheckf(err, "parsing id")
		ids = append(ids, id)
	}

	conf := mustLoadConfig()
	q := openQueue(conf)
	defer func() {
		err := q.Close()
		c.log.Check(err, "closing queue")
	}()
	err := q.Remove(context.Background(), ids...)
	xcheckf(err, "removing messages")
}

func cmdCrackaddr(c *cmd) {
	c.params = "address ..."
	c.help = `Print the template of header addresses, with the address replaced by $g.

Useful for checking how an address with comments or a display name is
rewritten when addresses are qualified or canonicalized.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}
	for _, a := range args {
		fmt.Println(strings.ReplaceAll(message.CrackAddr(a), message.MacroAddr, "$g"))
	}
}

func cmdConfigTest(c *cmd) {
	c.help = `Parse and check the config file, printing problems.`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	_, err := config.Load(configPath)
	xcheckf(err, "checking config")
	fmt.Println("config OK")
}

func cmdConfigDescribe(c *cmd) {
	c.params = ">mtacore.conf"
	c.help = `Prints an annotated empty configuration for use as mtacore.conf.

The configuration needs modifications to make it valid, e.g. the hostname.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	var sc config.Static
	err := sconf.Describe(os.Stdout, &sc)
	xcheckf(err, "describing config")
}
