// Package portal reaches the document portal service on the session
// bus to forward host files into the sandbox namespace.
package portal

import (
	"context"
	"os"
	"path"
	"strings"

	godbus "github.com/godbus/dbus/v5"
)

const (
	documentsName  = "org.freedesktop.portal.Documents"
	documentsPath  = "/org/freedesktop/portal/documents"
	documentsIface = "org.freedesktop.portal.Documents"
)

// Documents is a client to the document portal service.
type Documents struct {
	conn *godbus.Conn
	obj  godbus.BusObject
}

// NewDocuments connects a private session bus connection to the
// document portal.
func NewDocuments() (*Documents, error) {
	conn, err := godbus.SessionBusPrivate()
	if err != nil {
		return nil, err
	}
	if err = conn.Auth(nil); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err = conn.Hello(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &Documents{conn: conn, obj: conn.Object(documentsName, documentsPath)}, nil
}

func (d *Documents) Close() error { return d.conn.Close() }

// MountPoint returns the host path where the portal exposes forwarded
// documents.
func (d *Documents) MountPoint(ctx context.Context) (string, error) {
	var raw []byte
	if err := d.obj.CallWithContext(ctx, documentsIface+".GetMountPoint", 0).
		Store(&raw); err != nil {
		return "", err
	}
	// the portal returns a null terminated byte path
	return strings.TrimRight(string(raw), "\x00"), nil
}

// Add registers an open file with the portal and returns its document
// id.
func (d *Documents) Add(ctx context.Context, f *os.File, reuse, persistent bool) (string, error) {
	var docID string
	if err := d.obj.CallWithContext(ctx, documentsIface+".Add", 0,
		godbus.UnixFD(f.Fd()), reuse, persistent).
		Store(&docID); err != nil {
		return "", err
	}
	return docID, nil
}

// GrantPermissions grants appID the named permissions on a document.
func (d *Documents) GrantPermissions(ctx context.Context, docID, appID string, permissions []string) error {
	return d.obj.CallWithContext(ctx, documentsIface+".GrantPermissions", 0,
		docID, appID, permissions).Store()
}

// Forward registers the file at name with the portal, grants appID
// read and write access, and returns the path the sandboxed process
// must use to reach it.
func (d *Documents) Forward(ctx context.Context, name, appID string) (string, error) {
	f, err := os.Open(name)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	docID, err := d.Add(ctx, f, true, false)
	if err != nil {
		return "", err
	}
	if err = d.GrantPermissions(ctx, docID, appID,
		[]string{"read", "write", "grant-permissions"}); err != nil {
		return "", err
	}

	mount, err := d.MountPoint(ctx)
	if err != nil {
		return "", err
	}
	return DocumentPath(mount, docID, path.Base(name)), nil
}

// DocumentPath joins the portal mount point, a document id and the
// forwarded file name into the in-sandbox path of the document.
func DocumentPath(mountPoint, docID, name string) string {
	return path.Join(mountPoint, docID, name)
}
