package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/and161185/fixdesk/internal/errs"
	"github.com/and161185/fixdesk/internal/model"
	"github.com/and161185/fixdesk/internal/tickets"
)

// ------- flag helpers -------

func newFlags(name string) *flag.FlagSet {
	return flag.NewFlagSet(name, flag.ContinueOnError)
}

func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%s: %w", fs.Name(), errUsage)
	}
	return nil
}

// fileList collects a repeatable -photo flag.
type fileList []string

func (l *fileList) String() string     { return strings.Join(*l, ",") }
func (l *fileList) Set(v string) error { *l = append(*l, v); return nil }

func kindFlag(fs *flag.FlagSet) *string {
	return fs.String("kind", string(model.KindIT), "ticket kind (it|engineer)")
}

func parseKind(s string) (model.TicketKind, error) {
	k := model.TicketKind(strings.ToLower(s))
	if !k.Valid() {
		return "", &errs.ValidationError{Field: "kind", Reason: "must be it or engineer"}
	}
	return k, nil
}

// readPhotos loads attachments from disk, typing them by extension.
func readPhotos(paths []string) ([]model.Photo, error) {
	photos := make([]model.Photo, 0, len(paths))
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		fn := filepath.Base(p)
		photos = append(photos, model.Photo{
			Name:        fn,
			ContentType: mime.TypeByExtension(strings.ToLower(filepath.Ext(fn))),
			Data:        b,
		})
	}
	if err := tickets.ValidatePhotos(photos); err != nil {
		return nil, err
	}
	return photos, nil
}

// ------- commands -------

// cmdLogin signs in; -u defaults to the last username used on this machine.
// Without -p, passwords are read one per line from stdin until one is
// accepted, input ends, or the login throttle locks the username out.
func cmdLogin(ctx context.Context, a *app, args []string) error {
	fs := newFlags("login")
	user := fs.String("u", "", "username")
	pass := fs.String("p", "", "password")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *user == "" {
		*user = a.ctrl.LastUsername(ctx)
	}
	if *pass != "" {
		return login(ctx, a, *user, *pass)
	}

	sc := bufio.NewScanner(a.in)
	for {
		a.printf("password for %s: ", *user)
		if !sc.Scan() {
			a.printf("\n")
			if err := sc.Err(); err != nil {
				return err
			}
			return &errs.ValidationError{Field: "password", Reason: "is required"}
		}
		err := login(ctx, a, *user, strings.TrimRight(sc.Text(), "\r"))
		if err == nil || !errors.Is(err, errs.ErrUnauthorized) {
			return err
		}
		a.printf("%s\n", describe(err))
	}
}

func login(ctx context.Context, a *app, user, pass string) error {
	if err := a.ctrl.Login(ctx, user, pass); err != nil {
		return err
	}
	st := a.ctrl.Status()
	a.printf("logged in as %s (%s)\n", st.User.Username, st.User.Role)
	return nil
}

func cmdLogout(ctx context.Context, a *app) error {
	a.ctrl.Logout(ctx)
	a.printf("ok\n")
	return nil
}

func cmdWhoami(a *app) error {
	if err := a.requireSession(); err != nil {
		return err
	}
	st := a.ctrl.Status()
	printJSON(a.out, struct {
		*model.User
		Admin bool `json:"admin"`
	}{st.User, st.IsAdmin()})
	return nil
}

type listOutput struct {
	Kind         model.TicketKind   `json:"kind"`
	Count        *int               `json:"count,omitempty"`
	StatusCounts model.StatusCounts `json:"statusCounts,omitempty"`
	HasMore      bool               `json:"hasMore"`
	Tickets      []model.Ticket     `json:"tickets"`
}

// cmdList prints the first page, or more with -pages / -all.
func cmdList(ctx context.Context, a *app, args []string) error {
	fs := newFlags("list")
	kind := kindFlag(fs)
	search := fs.String("search", "", "free-text search")
	status := fs.String("status", "", "status filter")
	typ := fs.String("type", "", "damage type filter")
	from := fs.String("from", "", "created on or after (YYYY-MM-DD)")
	to := fs.String("to", "", "created on or before (YYYY-MM-DD)")
	mine := fs.Bool("mine", false, "only tickets I created")
	pages := fs.Int("pages", 1, "number of pages to load")
	all := fs.Bool("all", false, "load every page")
	if err := parse(fs, args); err != nil {
		return err
	}
	k, err := parseKind(*kind)
	if err != nil {
		return err
	}
	f := model.Filters{Search: *search, Status: strings.ToUpper(*status), DamageType: *typ, MineOnly: *mine}
	if *from != "" {
		if f.DateRange.Start, err = tickets.ParseDate(*from); err != nil {
			return &errs.ValidationError{Field: "from", Reason: "want YYYY-MM-DD"}
		}
	}
	if *to != "" {
		if f.DateRange.End, err = tickets.ParseDate(*to); err != nil {
			return &errs.ValidationError{Field: "to", Reason: "want YYYY-MM-DD"}
		}
	}
	if err := a.requireSession(); err != nil {
		return err
	}

	s := tickets.New(a.client, k, a.log,
		tickets.WithPageSize(a.cfg.PageSize),
		tickets.WithDebounce(a.cfg.SearchDebounce),
	)
	defer s.Close()
	if err := s.SetFilters(ctx, f); err != nil {
		return err
	}
	for n := 1; *all || n < *pages; n++ {
		if !s.State().HasMore {
			break
		}
		if err := s.FetchNextPage(ctx); err != nil {
			return err
		}
	}

	st := s.State()
	printJSON(a.out, listOutput{
		Kind:         st.Kind,
		Count:        st.TotalCount,
		StatusCounts: st.StatusCounts,
		HasMore:      st.HasMore,
		Tickets:      st.Items,
	})
	return nil
}

func cmdShow(ctx context.Context, a *app, args []string) error {
	fs := newFlags("show")
	kind := kindFlag(fs)
	id := fs.String("id", "", "ticket id")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *id == "" {
		return &errs.ValidationError{Field: "id", Reason: "is required"}
	}
	k, err := parseKind(*kind)
	if err != nil {
		return err
	}
	if err := a.requireSession(); err != nil {
		return err
	}
	t, err := a.client.GetTicket(ctx, k, *id)
	if err != nil {
		return err
	}
	printJSON(a.out, t)
	return nil
}

// cmdCreate validates locally, creates the ticket, then attaches photos.
func cmdCreate(ctx context.Context, a *app, args []string) error {
	fs := newFlags("create")
	kind := kindFlag(fs)
	var nt model.NewTicket
	fs.StringVar(&nt.Title, "title", "", "title")
	fs.StringVar(&nt.Description, "desc", "", "description")
	fs.StringVar(&nt.Department, "dept", "", "department")
	fs.StringVar(&nt.Area, "area", "", "area / location")
	fs.StringVar(&nt.TypeOfDamage, "type", "", "type of damage")
	var photos fileList
	fs.Var(&photos, "photo", "photo to attach (repeatable)")
	if err := parse(fs, args); err != nil {
		return err
	}
	k, err := parseKind(*kind)
	if err != nil {
		return err
	}
	if err := tickets.ValidateNewTicket(nt); err != nil {
		return err
	}
	ph, err := readPhotos(photos)
	if err != nil {
		return err
	}
	if err := a.requireSession(); err != nil {
		return err
	}

	t, err := a.client.CreateTicket(ctx, k, nt)
	if err != nil {
		return err
	}
	if len(ph) > 0 {
		imgs, err := a.client.UploadImages(ctx, k, t.ID, ph, false)
		if err != nil {
			return fmt.Errorf("ticket %s created, photos failed: %w", t.ID, err)
		}
		t.Images = append(t.Images, imgs...)
	}
	printJSON(a.out, t)
	return nil
}

// cmdPatch covers the single-field admin updates.
func cmdPatch(ctx context.Context, a *app, what string, args []string) error {
	fs := newFlags(what)
	kind := kindFlag(fs)
	id := fs.String("id", "", "ticket id")
	var flagName, help string
	switch what {
	case "status":
		flagName, help = "set", "new status"
	case "assign":
		flagName, help = "to", "assignee"
	case "notes":
		flagName, help = "text", "admin notes"
	case "info":
		flagName, help = "by", "information provided by"
	default:
		return errUsage
	}
	value := fs.String(flagName, "", help)
	if err := parse(fs, args); err != nil {
		return err
	}
	if *id == "" {
		return &errs.ValidationError{Field: "id", Reason: "is required"}
	}
	k, err := parseKind(*kind)
	if err != nil {
		return err
	}

	v := strings.TrimSpace(*value)
	var patch model.TicketPatch
	switch what {
	case "status":
		if v == "" {
			return &errs.ValidationError{Field: "status", Reason: "is required"}
		}
		v = strings.ToUpper(v)
		patch.Status = &v
	case "assign":
		patch.AssignTo = &v
	case "notes":
		patch.AdminNotes = &v
	case "info":
		patch.InformationBy = &v
	}
	if err := a.requireAdmin(); err != nil {
		return err
	}

	t, err := a.client.UpdateTicket(ctx, k, *id, patch)
	if err != nil {
		return err
	}
	printJSON(a.out, t)
	return nil
}

func cmdUpload(ctx context.Context, a *app, args []string) error {
	fs := newFlags("upload")
	kind := kindFlag(fs)
	id := fs.String("id", "", "ticket id")
	admin := fs.Bool("admin", false, "mark as completion photos (admin)")
	var photos fileList
	fs.Var(&photos, "photo", "photo to attach (repeatable)")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *id == "" {
		return &errs.ValidationError{Field: "id", Reason: "is required"}
	}
	if len(photos) == 0 {
		return &errs.ValidationError{Field: "photo", Reason: "at least one is required"}
	}
	k, err := parseKind(*kind)
	if err != nil {
		return err
	}
	ph, err := readPhotos(photos)
	if err != nil {
		return err
	}
	check := a.requireSession
	if *admin {
		check = a.requireAdmin
	}
	if err := check(); err != nil {
		return err
	}

	imgs, err := a.client.UploadImages(ctx, k, *id, ph, *admin)
	if err != nil {
		return err
	}
	printJSON(a.out, imgs)
	return nil
}

func cmdStats(ctx context.Context, a *app, args []string) error {
	fs := newFlags("stats")
	kind := kindFlag(fs)
	if err := parse(fs, args); err != nil {
		return err
	}
	k, err := parseKind(*kind)
	if err != nil {
		return err
	}
	if err := a.requireAdmin(); err != nil {
		return err
	}
	st, err := a.client.Stats(ctx, k)
	if err != nil {
		return err
	}
	printJSON(a.out, st)
	return nil
}
