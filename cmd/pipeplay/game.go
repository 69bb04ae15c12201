package main

import (
	"time"

	"github.com/erparts/pipeplay"
	"github.com/erparts/pipeplay/ebitenview"
	"github.com/hajimehoshi/ebiten"
	"github.com/hajimehoshi/ebiten/inpututil"
	"github.com/rs/zerolog"
)

const (
	seekStep   = 5.0
	volumeStep = 0.1
)

// Game drives the player from the ebiten loop.
type Game struct {
	player  *pipeplay.Player
	surface *ebitenview.Surface
	control *Control
	logger  zerolog.Logger

	width, height int
	full          pipeplay.Resolution
	halved        bool
	lastUpdate    time.Time
}

// NewGame returns the game playing p in a window of the given size.
func NewGame(p *pipeplay.Player, control *Control, width, height int, logger zerolog.Logger) *Game {
	return &Game{
		player:  p,
		surface: ebitenview.New(ebiten.FilterDefault),
		control: control,
		logger:  logger,
		width:   width,
		height:  height,
		full:    p.Resolution(),
	}
}

// Update advances the player by the wall-clock time
// since the previous update.
func (g *Game) Update(screen *ebiten.Image) error {
	now := time.Now()
	if g.lastUpdate.IsZero() {
		g.lastUpdate = now
	}

	elapsed := now.Sub(g.lastUpdate)
	g.lastUpdate = now

	g.handleKeys()

	if g.control != nil {
		g.drainCommands()
	}

	g.player.Tick(elapsed)

	if g.control != nil {
		g.control.Publish(snapshot(g.player))
	}

	return nil
}

// Draw presents the current frame.
func (g *Game) Draw(screen *ebiten.Image) {
	g.surface.SetScreen(screen)

	if err := g.player.Present(g.surface); err != nil {
		g.logger.Error().Err(err).Msg("couldn't present the frame")
	}
}

// Layout keeps the logical screen at the window size.
func (g *Game) Layout(outsideWidth, outsideHeight int) (int, int) {
	return g.width, g.height
}

func (g *Game) handleKeys() {
	p := g.player

	switch {
	case inpututil.IsKeyJustPressed(ebiten.KeySpace):
		if p.IsPlaying() {
			p.Pause()
		} else {
			g.check(p.Play(), "play")
		}

	case inpututil.IsKeyJustPressed(ebiten.KeyP):
		g.check(p.Play(), "play")

	case inpututil.IsKeyJustPressed(ebiten.KeyS):
		p.Stop()

	case inpututil.IsKeyJustPressed(ebiten.KeyM):
		if p.IsMuted() {
			p.Unmute()
		} else {
			p.Mute()
		}

	case inpututil.IsKeyJustPressed(ebiten.KeyUp):
		p.SetVolume(p.Volume() + volumeStep)

	case inpututil.IsKeyJustPressed(ebiten.KeyDown):
		p.SetVolume(p.Volume() - volumeStep)

	case inpututil.IsKeyJustPressed(ebiten.KeyRight):
		g.check(p.SetPosition(p.Position().Seconds()+seekStep), "seek")

	case inpututil.IsKeyJustPressed(ebiten.KeyLeft):
		g.check(p.SetPosition(p.Position().Seconds()-seekStep), "seek")

	case inpututil.IsKeyJustPressed(ebiten.KeyG):
		res := g.full
		if !g.halved {
			res = pipeplay.Resolution{Width: g.full.Width / 2, Height: g.full.Height / 2}
		}

		if err := p.Resize(res); err == nil {
			g.halved = !g.halved
		}
	}
}

func (g *Game) drainCommands() {
	for {
		select {
		case cmd := <-g.control.Commands():
			g.check(apply(g.player, cmd), cmd.Name)
		default:
			return
		}
	}
}

func (g *Game) check(err error, op string) {
	if err != nil {
		g.logger.Error().Err(err).Str("op", op).Msg("player operation failed")
	}
}
