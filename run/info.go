package run

import (
	"bytes"
	"strconv"

	"gopkg.in/ini.v1"

	"git.gensokyo.uk/security/kist/bwrap"
	"git.gensokyo.uk/security/kist/instance"
	"git.gensokyo.uk/security/kist/internal/sys"
)

// publishInfo writes the instance descriptor and binds it into the new
// root with the dual descriptor scheme, so the document stays readable
// through the process's own descriptor table even if the bind mount is
// torn down.
func publishInfo(b *bwrap.Builder, s sys.System, inst *instance.Instance, app *App) error {
	data, err := infoDocument(s, inst, app)
	if err != nil {
		return err
	}
	return inst.PublishInfo(b, data, infoDest)
}

func infoDocument(s sys.System, inst *instance.Instance, app *App) ([]byte, error) {
	f := ini.Empty()

	sec, err := f.NewSection("Application")
	if err != nil {
		return nil, err
	}
	if _, err = sec.NewKey("name", app.ID); err != nil {
		return nil, err
	}
	if app.RuntimePath != "" {
		if _, err = sec.NewKey("runtime-path", app.RuntimePath); err != nil {
			return nil, err
		}
	}
	if app.RuntimeCommit != "" {
		if _, err = sec.NewKey("runtime-commit", app.RuntimeCommit); err != nil {
			return nil, err
		}
	}
	if app.AppCommit != "" {
		if _, err = sec.NewKey("app-commit", app.AppCommit); err != nil {
			return nil, err
		}
	}

	if sec, err = f.NewSection("Instance"); err != nil {
		return nil, err
	}
	if _, err = sec.NewKey("instance-id", inst.String()); err != nil {
		return nil, err
	}
	if _, err = sec.NewKey("instance-path", inst.Dir); err != nil {
		return nil, err
	}
	if _, err = sec.NewKey("launcher-pid", strconv.Itoa(s.Getpid())); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if _, err = f.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
