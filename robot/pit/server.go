// Package pit serves robot status and the autonomous selector to a laptop in
// the pit over HTTP, with a websocket telemetry stream.
package pit

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"robot-control-core/robot/auton"
	"robot-control-core/robot/control"
	"robot-control-core/robot/sorting"
	"robot-control-core/robot/state"
	"robot-control-core/utils"
)

// TelemetryPeriod is how often the websocket pushes a status snapshot.
const TelemetryPeriod = 100 * time.Millisecond

// Deps are the parts of the robot the API reads and changes. Only Flags and
// Selector are required.
type Deps struct {
	Session  string
	Flags    *state.Shared
	Selector *auton.Selector
	Sorter   interface{ Stats() sorting.Stats }
	Arm      interface{ Diagnostics() control.Diagnostics }
	Auton    interface{ Running() bool }
	Gamepad  interface{ Connected() bool }
	Bus      interface{ Counters() (sent, recv uint64) }
}

type AutonEntry struct {
	Index       int     `json:"index"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Team        string  `json:"team"`
	DurationS   float64 `json:"duration_s"`
	Selected    bool    `json:"selected"`
}

type Status struct {
	Session     string               `json:"session"`
	Time        time.Time            `json:"time"`
	Team        string               `json:"team"`
	SortEnabled bool                 `json:"sort_enabled"`
	Sorter      *sorting.Stats       `json:"sorter,omitempty"`
	Arm         *control.Diagnostics `json:"arm,omitempty"`
	Auton       AutonEntry           `json:"auton"`
	AutonActive bool                 `json:"auton_running"`
	Gamepad     bool                 `json:"gamepad_connected"`
	CANSent     uint64               `json:"can_sent"`
	CANRecv     uint64               `json:"can_recv"`
}

type Server struct {
	deps     Deps
	log      *utils.Logger
	engine   *gin.Engine
	upgrader websocket.Upgrader
	period   time.Duration
}

func New(deps Deps, log *utils.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		deps:   deps,
		log:    log,
		engine: gin.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// the pit laptop opens the page from a file or another port
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		period: TelemetryPeriod,
	}
	s.engine.Use(gin.Recovery(), s.accessLog())

	v1 := s.engine.Group("/api/v1")
	{
		v1.GET("/status", s.getStatus)
		v1.GET("/autons", s.getAutons)
		v1.POST("/autons/select/:index", s.selectAuton)
		v1.POST("/autons/next", s.nextAuton)
		v1.POST("/autons/prev", s.prevAuton)
		v1.POST("/team/:color", s.setTeam)
		v1.POST("/sorting/:state", s.setSorting)
		v1.GET("/telemetry", s.telemetry)
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info("Pit API listening on %s", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			s.log.Warn("Pit API shutdown: %v", err)
		}
		if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		s.log.Info("Pit API stopped")
		return ctx.Err()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("HTTP %s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Microsecond))
	}
}

// Status assembles one snapshot.
func (s *Server) Status() Status {
	st := Status{
		Session:     s.deps.Session,
		Time:        time.Now(),
		Team:        s.deps.Flags.Team().String(),
		SortEnabled: s.deps.Flags.SortEnabled(),
	}
	if s.deps.Selector != nil {
		r, i := s.deps.Selector.Selected()
		st.Auton = entry(i, &r, true)
	}
	if s.deps.Sorter != nil {
		stats := s.deps.Sorter.Stats()
		st.Sorter = &stats
	}
	if s.deps.Arm != nil {
		d := s.deps.Arm.Diagnostics()
		st.Arm = &d
	}
	if s.deps.Auton != nil {
		st.AutonActive = s.deps.Auton.Running()
	}
	if s.deps.Gamepad != nil {
		st.Gamepad = s.deps.Gamepad.Connected()
	}
	if s.deps.Bus != nil {
		st.CANSent, st.CANRecv = s.deps.Bus.Counters()
	}
	return st
}

func entry(i int, r *auton.Routine, selected bool) AutonEntry {
	return AutonEntry{
		Index:       i,
		Name:        r.Name,
		Description: r.Description,
		Team:        r.Team().String(),
		DurationS:   r.DurationS,
		Selected:    selected,
	}
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Status())
}

func (s *Server) getAutons(c *gin.Context) {
	if s.deps.Selector == nil {
		c.JSON(http.StatusOK, []AutonEntry{})
		return
	}
	_, cur := s.deps.Selector.Selected()
	rs := s.deps.Selector.Routines()
	out := make([]AutonEntry, len(rs))
	for i := range rs {
		out[i] = entry(i, &rs[i], i == cur)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) selectAuton(c *gin.Context) {
	if !s.requireSelector(c) {
		return
	}
	i, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "index must be an integer"})
		return
	}
	if err := s.deps.Selector.Select(i); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"message": err.Error()})
		return
	}
	s.respondSelected(c)
}

func (s *Server) nextAuton(c *gin.Context) {
	if !s.requireSelector(c) {
		return
	}
	s.deps.Selector.Next()
	s.respondSelected(c)
}

func (s *Server) prevAuton(c *gin.Context) {
	if !s.requireSelector(c) {
		return
	}
	s.deps.Selector.Prev()
	s.respondSelected(c)
}

func (s *Server) requireSelector(c *gin.Context) bool {
	if s.deps.Selector == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"message": "no autonomous routines loaded"})
		return false
	}
	return true
}

func (s *Server) respondSelected(c *gin.Context) {
	r, i := s.deps.Selector.Selected()
	s.log.Info("Pit: autonomous -> [%d] %s", i, r.Name)
	c.JSON(http.StatusOK, entry(i, &r, true))
}

func (s *Server) setTeam(c *gin.Context) {
	team, err := state.ParseTeam(c.Param("color"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	s.deps.Flags.SetTeam(team)
	s.log.Info("Pit: team -> %s", team)
	c.JSON(http.StatusOK, gin.H{"team": team.String()})
}

func (s *Server) setSorting(c *gin.Context) {
	var on bool
	switch c.Param("state") {
	case "on":
		on = true
		s.deps.Flags.SetSortEnabled(true)
	case "off":
		s.deps.Flags.SetSortEnabled(false)
	case "toggle":
		on = s.deps.Flags.ToggleSort()
	default:
		c.JSON(http.StatusBadRequest, gin.H{"message": "state must be on, off or toggle"})
		return
	}
	s.log.Info("Pit: color sort -> %v", on)
	c.JSON(http.StatusOK, gin.H{"sort_enabled": on})
}

// telemetry pushes a status snapshot every period until the client goes
// away or the server shuts down.
func (s *Server) telemetry(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("Telemetry upgrade: %v", err)
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// the read side only notices the close frame
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.log.Info("Telemetry client connected: %s", c.Request.RemoteAddr)
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		if err := ws.SetWriteDeadline(time.Now().Add(time.Second)); err != nil {
			return
		}
		if err := ws.WriteJSON(s.Status()); err != nil {
			s.log.Info("Telemetry client gone: %v", err)
			return
		}
		select {
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case <-ticker.C:
		}
	}
}
