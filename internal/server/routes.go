package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path"
	"strconv"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"github.com/websoft9/sshpool/internal/audit"
	"github.com/websoft9/sshpool/internal/descriptor"
	"github.com/websoft9/sshpool/internal/pool"
	"github.com/websoft9/sshpool/internal/reconnect"
	"github.com/websoft9/sshpool/internal/shell"
)

var errNoSession = errors.New("no pooled session for tab")

// wsUpgrader mirrors the teacher's terminal.go upgrader: origin checking is
// left to the caller's reverse proxy, since auth is already enforced by
// apis.RequireAuth on the enclosing route group.
var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Register mounts every C1-C9 endpoint under /api/sshpool on se's router,
// the same group-then-subgroup shape as the teacher's routes.Register.
func (h *Host) Register(se *core.ServeEvent) {
	g := se.Router.Group("/api/sshpool")
	g.Bind(apis.RequireAuth())

	g.POST("/sessions", h.handleConnect)
	g.DELETE("/sessions/{tabId}", h.handleDisconnect)

	g.GET("/shell/{tabId}", h.handleShell)
	g.GET("/events", h.handleEventStream)

	sftp := g.Group("/sftp/{tabId}")
	sftp.GET("/list", h.handleSFTPList)
	sftp.GET("/stat", h.handleSFTPStat)
	sftp.GET("/download", h.handleSFTPDownload)
	sftp.POST("/upload", h.handleSFTPUpload)
	sftp.POST("/mkdir", h.handleSFTPMkdir)
	sftp.POST("/rename", h.handleSFTPRename)
	sftp.POST("/chmod", h.handleSFTPChmod)
	sftp.DELETE("/delete", h.handleSFTPDelete)

	transfer := g.Group("/transfer/{tabId}")
	transfer.POST("/cancel", h.handleTransferCancel)
}

// sessionDescriptorRequest is the wire shape of a connect request body — a
// subset of descriptor.Descriptor's fields (including TabID); there are no
// fields for a proxy, inline key material or a passphrase.
type sessionDescriptorRequest struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	AuthType   string `json:"authType"`
	Password   string `json:"password"`
	PrivateKey string `json:"privateKeyPath"`
	TabID      string `json:"tabId"`
}

func (h *Host) handleConnect(e *core.RequestEvent) error {
	var req sessionDescriptorRequest
	if err := json.NewDecoder(e.Request.Body).Decode(&req); err != nil {
		return e.JSON(http.StatusBadRequest, map[string]any{"message": "invalid request body"})
	}

	d := &descriptor.Descriptor{
		Host:           req.Host,
		Port:           req.Port,
		Username:       req.Username,
		AuthType:       descriptor.AuthType(req.AuthType),
		Password:       req.Password,
		PrivateKeyPath: req.PrivateKey,
		TabID:          req.TabID,
	}

	s, err := h.Pool.Acquire(e.Request.Context(), d, readKeyFile)
	if err != nil {
		return e.JSON(http.StatusBadGateway, map[string]any{"message": err.Error()})
	}

	h.Reconnect.RegisterSession(s.Key, s.Transport, d, reconnect.RegisterOpts{AutoStart: true})

	userID, ip := actorInfo(e)
	audit.Write(e.App, audit.Entry{
		UserID: userID, Action: "session.connect", ResourceType: "session",
		ResourceID: s.Key, Status: audit.StatusSuccess, IP: ip,
		Detail: map[string]any{"tab_id": d.TabID, "host": d.Host},
	})

	return e.JSON(http.StatusOK, map[string]any{"key": s.Key, "tabId": d.TabID})
}

func (h *Host) handleDisconnect(e *core.RequestEvent) error {
	tabID := e.Request.PathValue("tabId")
	s, ok := h.Pool.GetByTabID(tabID)
	if !ok {
		return e.JSON(http.StatusNotFound, map[string]any{"message": "no session for tab"})
	}
	h.DirCache.DisposeTab(tabID)
	h.Pool.Release(s.Key, tabID)
	return e.JSON(http.StatusOK, map[string]any{"message": "disconnected"})
}

func (h *Host) sessionForTab(e *core.RequestEvent) (*pooledSessionHandle, error) {
	tabID := e.Request.PathValue("tabId")
	s, ok := h.Pool.GetByTabID(tabID)
	if !ok {
		return nil, errNoSession
	}
	return &pooledSessionHandle{session: s, tabID: tabID}, nil
}

// readKeyFile resolves a private key path to its bytes. The host process
// runs headless (no SelectKeyFile UI), so a configured path is read
// directly off disk.
func readKeyFile(p string) ([]byte, error) {
	return os.ReadFile(p)
}

func actorInfo(e *core.RequestEvent) (userID, ip string) {
	if e.Auth != nil {
		userID = e.Auth.Id
	} else {
		userID = "unknown"
	}
	return userID, e.RealIP()
}

// ── Shell WebSocket ─────────────────────────────────────────────────────

func (h *Host) handleShell(e *core.RequestEvent) error {
	sh, err := h.sessionForTab(e)
	if err != nil {
		return e.JSON(http.StatusNotFound, map[string]any{"message": err.Error()})
	}

	conn, err := wsUpgrader.Upgrade(e.Response, e.Request, nil)
	if err != nil {
		return nil
	}
	defer conn.Close()

	ch, err := shell.Open(sh.session, sh.tabID, shell.Options{}, h.Bus)
	if err != nil {
		_ = conn.WriteJSON(map[string]string{"type": "error", "message": err.Error()})
		return nil
	}
	defer ch.Close()

	userID, ip := actorInfo(e)
	audit.Write(e.App, audit.Entry{
		UserID: userID, Action: "shell.open", ResourceType: "session",
		ResourceID: sh.session.Key, Status: audit.StatusSuccess, IP: ip,
		Detail: map[string]any{"tab_id": sh.tabID},
	})

	var bytesIn, bytesOut atomic.Int64
	done := make(chan struct{})

	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		for {
			n, err := ch.Read(buf)
			if err != nil {
				break
			}
			bytesOut.Add(int64(n))
			if err := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); err != nil {
				break
			}
		}
	}()

	go func() {
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if mt == websocket.TextMessage {
				handleShellControl(ch, msg)
				continue
			}
			bytesIn.Add(int64(len(msg)))
			if _, err := ch.Write(msg); err != nil {
				break
			}
		}
	}()

	<-done
	return nil
}

func handleShellControl(ch *shell.Channel, raw []byte) {
	var ctrl struct {
		Type string `json:"type"`
		Rows int    `json:"rows"`
		Cols int    `json:"cols"`
	}
	if err := json.Unmarshal(raw, &ctrl); err != nil {
		return
	}
	if ctrl.Type == "resize" && ctrl.Rows > 0 && ctrl.Cols > 0 {
		_ = ch.Resize(ctrl.Cols, ctrl.Rows)
	}
}

// ── Event stream WebSocket ──────────────────────────────────────────────

func (h *Host) handleEventStream(e *core.RequestEvent) error {
	conn, err := wsUpgrader.Upgrade(e.Response, e.Request, nil)
	if err != nil {
		return nil
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(e.Request.Context())
	defer cancel()
	sub, unsubscribe := h.Bus.Subscribe(ctx)
	defer unsubscribe()

	for ev := range sub {
		if err := conn.WriteJSON(ev); err != nil {
			return nil
		}
	}
	return nil
}

// ── SFTP REST ────────────────────────────────────────────────────────────

func (h *Host) handleSFTPList(e *core.RequestEvent) error {
	sh, err := h.sessionForTab(e)
	if err != nil {
		return e.JSON(http.StatusNotFound, map[string]any{"message": err.Error()})
	}
	dirPath := e.Request.URL.Query().Get("path")
	if dirPath == "" {
		dirPath = "/"
	}
	entries, err := h.DirCache.ListDir(sh.session, sh.tabID, dirPath)
	if err != nil {
		return e.JSON(http.StatusInternalServerError, map[string]any{"message": err.Error()})
	}
	return e.JSON(http.StatusOK, map[string]any{"path": dirPath, "entries": entries})
}

func (h *Host) handleSFTPStat(e *core.RequestEvent) error {
	sh, err := h.sessionForTab(e)
	if err != nil {
		return e.JSON(http.StatusNotFound, map[string]any{"message": err.Error()})
	}
	filePath := e.Request.URL.Query().Get("path")
	if filePath == "" {
		return e.JSON(http.StatusBadRequest, map[string]any{"message": "path required"})
	}
	attrs, err := h.SFTP.Stat(sh.session, filePath)
	if err != nil {
		return e.JSON(http.StatusInternalServerError, map[string]any{"message": err.Error()})
	}
	return e.JSON(http.StatusOK, attrs)
}

func (h *Host) handleSFTPDownload(e *core.RequestEvent) error {
	sh, err := h.sessionForTab(e)
	if err != nil {
		return e.JSON(http.StatusNotFound, map[string]any{"message": err.Error()})
	}
	filePath := e.Request.URL.Query().Get("path")
	if filePath == "" {
		return e.JSON(http.StatusBadRequest, map[string]any{"message": "path required"})
	}
	downloadRoot := e.Request.URL.Query().Get("downloadRoot")
	if downloadRoot == "" {
		downloadRoot = os.TempDir()
	}

	result := h.Transfer.DownloadFile(sh.session, sh.tabID, filePath, downloadRoot, nil)
	status := http.StatusOK
	if !result.Success {
		status = http.StatusInternalServerError
	}
	return e.JSON(status, result)
}

func (h *Host) handleSFTPUpload(e *core.RequestEvent) error {
	sh, err := h.sessionForTab(e)
	if err != nil {
		return e.JSON(http.StatusNotFound, map[string]any{"message": err.Error()})
	}
	remotePath := e.Request.URL.Query().Get("path")
	if remotePath == "" {
		return e.JSON(http.StatusBadRequest, map[string]any{"message": "path required"})
	}

	if err := e.Request.ParseMultipartForm(50 << 20); err != nil {
		return e.JSON(http.StatusRequestEntityTooLarge, map[string]any{"message": "file too large"})
	}
	file, header, err := e.Request.FormFile("file")
	if err != nil {
		return e.JSON(http.StatusBadRequest, map[string]any{"message": "missing 'file' form field"})
	}
	defer file.Close()

	tmp, err := os.CreateTemp("", "sshpool-upload-*")
	if err != nil {
		return e.JSON(http.StatusInternalServerError, map[string]any{"message": err.Error()})
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.ReadFrom(file); err != nil {
		tmp.Close()
		return e.JSON(http.StatusInternalServerError, map[string]any{"message": err.Error()})
	}
	tmp.Close()

	dest := path.Join(remotePath, header.Filename)
	result := h.Transfer.UploadFile(sh.session, sh.tabID, tmp.Name(), dest, nil)
	h.DirCache.NotifyMutation(sh.session, sh.tabID, remotePath)

	status := http.StatusOK
	if !result.Success {
		status = http.StatusInternalServerError
	}
	return e.JSON(status, result)
}

func (h *Host) handleSFTPMkdir(e *core.RequestEvent) error {
	sh, err := h.sessionForTab(e)
	if err != nil {
		return e.JSON(http.StatusNotFound, map[string]any{"message": err.Error()})
	}
	var body struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(e.Request.Body).Decode(&body); err != nil || body.Path == "" {
		return e.JSON(http.StatusBadRequest, map[string]any{"message": "path required"})
	}
	if err := h.SFTP.MkdirAll(sh.session, body.Path); err != nil {
		return e.JSON(http.StatusInternalServerError, map[string]any{"message": err.Error()})
	}
	h.DirCache.NotifyMutation(sh.session, sh.tabID, path.Dir(body.Path))
	return e.JSON(http.StatusOK, map[string]any{"message": "created"})
}

func (h *Host) handleSFTPRename(e *core.RequestEvent) error {
	sh, err := h.sessionForTab(e)
	if err != nil {
		return e.JSON(http.StatusNotFound, map[string]any{"message": err.Error()})
	}
	var body struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	if err := json.NewDecoder(e.Request.Body).Decode(&body); err != nil || body.From == "" || body.To == "" {
		return e.JSON(http.StatusBadRequest, map[string]any{"message": "from and to required"})
	}
	if err := h.SFTP.Rename(sh.session, body.From, body.To); err != nil {
		return e.JSON(http.StatusInternalServerError, map[string]any{"message": err.Error()})
	}
	h.DirCache.NotifyMutation(sh.session, sh.tabID, path.Dir(body.From))
	h.DirCache.NotifyMutation(sh.session, sh.tabID, path.Dir(body.To))
	return e.JSON(http.StatusOK, map[string]any{"message": "renamed"})
}

func (h *Host) handleSFTPChmod(e *core.RequestEvent) error {
	sh, err := h.sessionForTab(e)
	if err != nil {
		return e.JSON(http.StatusNotFound, map[string]any{"message": err.Error()})
	}
	var body struct {
		Path string `json:"path"`
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(e.Request.Body).Decode(&body); err != nil || body.Path == "" {
		return e.JSON(http.StatusBadRequest, map[string]any{"message": "path required"})
	}
	mode, err := strconv.ParseUint(body.Mode, 8, 32)
	if err != nil {
		return e.JSON(http.StatusBadRequest, map[string]any{"message": "invalid mode"})
	}
	if err := h.SFTP.Chmod(sh.session, body.Path, os.FileMode(mode)); err != nil {
		return e.JSON(http.StatusInternalServerError, map[string]any{"message": err.Error()})
	}
	return e.JSON(http.StatusOK, map[string]any{"message": "chmod applied"})
}

func (h *Host) handleSFTPDelete(e *core.RequestEvent) error {
	sh, err := h.sessionForTab(e)
	if err != nil {
		return e.JSON(http.StatusNotFound, map[string]any{"message": err.Error()})
	}
	targetPath := e.Request.URL.Query().Get("path")
	if targetPath == "" {
		return e.JSON(http.StatusBadRequest, map[string]any{"message": "path required"})
	}
	if err := h.SFTP.Delete(sh.session, targetPath); err != nil {
		return e.JSON(http.StatusInternalServerError, map[string]any{"message": err.Error()})
	}
	h.DirCache.NotifyMutation(sh.session, sh.tabID, path.Dir(targetPath))
	return e.JSON(http.StatusOK, map[string]any{"message": "deleted"})
}

// ── Transfer REST ─────────────────────────────────────────────────────────

func (h *Host) handleTransferCancel(e *core.RequestEvent) error {
	var body struct {
		TransferKey string `json:"transferKey"`
	}
	if err := json.NewDecoder(e.Request.Body).Decode(&body); err != nil || body.TransferKey == "" {
		return e.JSON(http.StatusBadRequest, map[string]any{"message": "transferKey required"})
	}
	ok := h.Transfer.CancelTransfer(body.TransferKey)
	return e.JSON(http.StatusOK, map[string]any{"cancelled": ok})
}

type pooledSessionHandle struct {
	session *pool.PooledSession
	tabID   string
}
