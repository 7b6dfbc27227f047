package deployer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/pseegers/mendel/common"
	"github.com/pseegers/mendel/tracking"
	"github.com/pseegers/mendel/utils"
)

// Paragraph is one deb822 stanza, as found in an apt Packages index or
// dpkg-query -s output.
type Paragraph map[string]string

// ParseDeb822 splits text into stanzas separated by blank lines.
// Continuation lines are folded into the preceding field.
func ParseDeb822(r io.Reader) ([]Paragraph, error) {
	var out []Paragraph
	cur := Paragraph{}
	last := ""

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			if len(cur) > 0 {
				out = append(out, cur)
				cur, last = Paragraph{}, ""
			}
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if last != "" {
				cur[last] += "\n" + strings.TrimSpace(line)
			}
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		last = strings.TrimSpace(k)
		cur[last] = strings.TrimSpace(v)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out, nil
}

// packageRollover reinstalls an earlier published version of the service
// package through apt.
type packageRollover struct{}

func (packageRollover) Rollback(ctx context.Context, d *Deployer, conn utils.Connection) error {
	available, err := d.availablePackageVersions(ctx)
	if err != nil {
		return err
	}
	if len(available) == 0 {
		return fmt.Errorf("%w: no published versions of %s", common.ErrInvalidSelection, d.cfg.ServiceName)
	}
	current, err := d.installedPackageVersion(ctx, conn)
	if err != nil {
		return err
	}

	cands := make([]Candidate, 0, len(available))
	for _, p := range available {
		cands = append(cands, Candidate{
			ID:    p["Version"],
			Label: p["Version"] + " " + path.Base(p["Filename"]),
		})
	}
	sel := NewSelection(cands, current)
	choice, err := d.ask(sel)
	if err != nil {
		return err
	}

	if err := d.aptInstall(ctx, conn, choice); err != nil {
		return err
	}
	if res, err := conn.Run(ctx, fmt.Sprintf("readlink %s.jar", d.rpath("current", d.cfg.ServiceName)), utils.Warn()); err == nil && res.Ok() {
		common.InfoLog("[%s] apt installed new jar: %s", conn.Host().Name, strings.TrimSpace(res.Stdout))
	}
	d.setVersion(choice)
	if err := d.startOrRestart(ctx, conn); err != nil {
		return err
	}
	common.InfoLog("[%s] successfully rolled back %s to %s", conn.Host().Name, d.cfg.ServiceName, choice)
	d.track(ctx, conn, tracking.EventRolledBack)
	return nil
}

// availablePackageVersions reads the nexus apt Packages index and keeps the
// stanzas for this service, in index order.
func (d *Deployer) availablePackageVersions(ctx context.Context) ([]Paragraph, error) {
	if missing := d.cfg.NexusCoordinatesMissing(); missing != "" {
		return nil, fmt.Errorf("%w: ~/.mendel.conf is missing %s in [nexus] configuration section",
			common.ErrConfiguration, missing)
	}
	url := fmt.Sprintf("http://%s:%d/nexus/content/repositories/%s/Packages",
		d.cfg.NexusHost, d.cfg.NexusPort, strings.Trim(d.cfg.NexusRepository, "/"))
	common.InfoLog("downloading packages from %s", url)

	password := common.Env("MENDEL_NEXUS_PASSWORD", "")
	if password == "" {
		p, err := promptSecret(d.opts.Prompter, "Enter nexus password: ")
		if err != nil {
			return nil, err
		}
		password = p
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(d.cfg.NexusUser, password)
	resp, err := d.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: fetch %s: HTTP %d", common.ErrArtifactNotFound, url, resp.StatusCode)
	}

	all, err := ParseDeb822(resp.Body)
	if err != nil {
		return nil, err
	}
	var out []Paragraph
	for _, p := range all {
		if p["Package"] == d.cfg.ServiceName {
			out = append(out, p)
		}
	}
	common.InfoLog("found %d available versions of %s", len(out), d.cfg.ServiceName)
	return out, nil
}

// installedPackageVersion asks dpkg which version of the service is installed.
func (d *Deployer) installedPackageVersion(ctx context.Context, conn utils.Connection) (string, error) {
	res, err := conn.Run(ctx, "dpkg-query -s "+d.cfg.ServiceName)
	if err != nil {
		return "", err
	}
	paras, err := ParseDeb822(strings.NewReader(res.Stdout))
	if err != nil {
		return "", err
	}
	if len(paras) == 0 {
		return "", nil
	}
	return paras[0]["Version"], nil
}
