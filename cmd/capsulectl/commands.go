package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli"

	"github.com/noahxzhu/chrono-capsule/internal/app"
	"github.com/noahxzhu/chrono-capsule/internal/config"
	"github.com/noahxzhu/chrono-capsule/internal/model"
)

const displayLayout = "2006-01-02 15:04"

func newApp(out io.Writer) *cli.App {
	a := cli.NewApp()
	a.Name = "capsulectl"
	a.HelpName = "capsulectl"
	a.Usage = "manage and deliver time capsules"
	a.UsageText = "capsulectl [--config FILE] <command> [arguments...]"
	a.Writer = out
	a.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Usage:  "path to the YAML config file",
			Value:  "configs/config.yaml",
			EnvVar: "CAPSULE_CONFIG",
		},
	}
	a.Commands = []cli.Command{
		{
			Name:  "user",
			Usage: "create and list users",
			Subcommands: []cli.Command{
				{
					Name:   "create",
					Usage:  "register a user",
					Action: userCreate,
					Flags: []cli.Flag{
						cli.StringFlag{Name: "name, n"},
						cli.StringFlag{Name: "email, e"},
					},
				},
				{
					Name:   "list",
					Usage:  "list users",
					Action: userList,
				},
				{
					Name:      "get",
					Usage:     "show one user",
					ArgsUsage: "<id>",
					Action:    userGet,
				},
			},
		},
		{
			Name:  "capsule",
			Usage: "create and list capsules",
			Subcommands: []cli.Command{
				{
					Name:   "create",
					Usage:  "seal a capsule for later delivery",
					Action: capsuleCreate,
					Flags: []cli.Flag{
						cli.StringFlag{Name: "title, t"},
						cli.StringFlag{Name: "message, m"},
						cli.StringFlag{Name: "to", Usage: "recipient email"},
						cli.StringFlag{Name: "user, u", Usage: "copy the recipient from this user id"},
						cli.StringFlag{Name: "at", Usage: "delivery time, RFC 3339 or \"YYYY-MM-DD HH:MM\" in the display offset"},
					},
				},
				{
					Name:   "list",
					Usage:  "list capsules",
					Action: capsuleList,
					Flags: []cli.Flag{
						cli.BoolFlag{Name: "pending, p", Usage: "only undelivered capsules"},
					},
				},
				{
					Name:   "pending",
					Usage:  "list undelivered capsules",
					Action: capsulePending,
				},
			},
		},
		{
			Name:   "deliver",
			Usage:  "run one delivery pass and exit",
			Action: deliverOnce,
		},
		{
			Name:   "worker",
			Usage:  "run delivery passes until interrupted",
			Action: runWorker,
		},
	}
	return a
}

func loadApp(c *cli.Context) (*app.App, error) {
	cfg, err := config.LoadConfig(c.GlobalString("config"))
	if err != nil {
		return nil, err
	}
	app.SetupLogger(os.Stderr, cfg.Log.Level)
	return app.Open(context.Background(), cfg)
}

func userCreate(c *cli.Context) error {
	name, email := strings.TrimSpace(c.String("name")), strings.TrimSpace(c.String("email"))
	if name == "" || email == "" {
		return errors.New("--name and --email are required")
	}
	a, err := loadApp(c)
	if err != nil {
		return err
	}
	defer a.Close()

	u, err := a.Users.Create(context.Background(), name, email)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "User created: %s\n", u.ID)
	return nil
}

func userList(c *cli.Context) error {
	a, err := loadApp(c)
	if err != nil {
		return err
	}
	defer a.Close()

	users, err := a.Users.List(context.Background())
	if err != nil {
		return err
	}
	if len(users) == 0 {
		fmt.Fprintln(c.App.Writer, "No users found!")
		return nil
	}
	tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tEMAIL")
	for _, u := range users {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", u.ID, u.Name, u.Email)
	}
	return tw.Flush()
}

func userGet(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return errors.New("user id is required")
	}
	a, err := loadApp(c)
	if err != nil {
		return err
	}
	defer a.Close()

	u, err := a.Users.Get(context.Background(), id)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "ID: %s, Name: %s, Email: %s\n", u.ID, u.Name, u.Email)
	return nil
}

func parseAt(v string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(displayLayout, v, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --at %q: want RFC 3339 or %q", v, "YYYY-MM-DD HH:MM")
	}
	return t, nil
}

func capsuleCreate(c *cli.Context) error {
	title, message := c.String("title"), c.String("message")
	to, userID := strings.TrimSpace(c.String("to")), c.String("user")
	if strings.TrimSpace(title) == "" || strings.TrimSpace(message) == "" {
		return errors.New("--title and --message are required")
	}
	if to == "" && userID == "" {
		return errors.New("one of --to or --user is required")
	}
	if c.String("at") == "" {
		return errors.New("--at is required")
	}

	a, err := loadApp(c)
	if err != nil {
		return err
	}
	defer a.Close()

	at, err := parseAt(c.String("at"), a.Config.DisplayLocation())
	if err != nil {
		return err
	}

	var created model.Capsule
	if to != "" {
		created, err = a.Capsules.Create(context.Background(), title, message, to, at)
	} else {
		created, err = a.Capsules.CreateForUser(context.Background(), title, message, userID, at)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Capsule created: %s (delivers %s to %s)\n",
		created.ID, created.ScheduledTime.In(a.Config.DisplayLocation()).Format(displayLayout), created.RecipientEmail)
	return nil
}

func capsuleList(c *cli.Context) error {
	return listCapsules(c, c.Bool("pending"))
}

func capsulePending(c *cli.Context) error {
	return listCapsules(c, true)
}

func listCapsules(c *cli.Context, pending bool) error {
	a, err := loadApp(c)
	if err != nil {
		return err
	}
	defer a.Close()

	var capsules []model.Capsule
	if pending {
		capsules, err = a.Capsules.ListPending(context.Background())
	} else {
		capsules, err = a.Capsules.ListAll(context.Background())
	}
	if err != nil {
		return err
	}
	if len(capsules) == 0 {
		fmt.Fprintln(c.App.Writer, "No capsules found!")
		return nil
	}

	loc := a.Config.DisplayLocation()
	tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tTITLE\tRECIPIENT\tSCHEDULED (%s)\tSTATUS\n", loc)
	for _, cp := range capsules {
		status := "pending"
		if cp.IsDelivered {
			status = "delivered"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", cp.ID, cp.Title, cp.RecipientEmail, cp.ScheduledTime.In(loc).Format(displayLayout), status)
	}
	return tw.Flush()
}

func deliverOnce(c *cli.Context) error {
	a, err := loadApp(c)
	if err != nil {
		return err
	}
	defer a.Close()

	w, err := a.NewWorker()
	if err != nil {
		return err
	}
	report, err := w.RunPass(context.Background())
	fmt.Fprintf(c.App.Writer, "candidates=%d delivered=%d failed=%d skipped=%d\n",
		report.Candidates, report.Delivered, report.Failed, report.Skipped)
	return err
}

func runWorker(c *cli.Context) error {
	a, err := loadApp(c)
	if err != nil {
		return err
	}
	defer a.Close()

	w, err := a.NewWorker()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	w.Start(ctx)
	return nil
}
