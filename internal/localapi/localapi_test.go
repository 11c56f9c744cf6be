// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package localapi

import (
	"context"
	"net"
	"path/filepath"
	"time"

	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	"go.uber.org/mock/gomock"
	gc "gopkg.in/check.v1"

	"github.com/canonical/mysql-k8s-operator-sub000/core/event"
	"github.com/canonical/mysql-k8s-operator-sub000/core/status"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/databag"
	coretesting "github.com/canonical/mysql-k8s-operator-sub000/testing"
)

type localAPISuite struct {
	testing.IsolationSuite

	dispatcher *MockDispatcher
	actions    *MockActionRunner
	status     *fakeStatus
	socket     string
}

var _ = gc.Suite(&localAPISuite{})

func (s *localAPISuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.socket = filepath.Join(c.MkDir(), "agent.socket")
	s.status = &fakeStatus{info: status.StatusInfo{Status: status.Unknown}}
}

func (s *localAPISuite) setupMocks(c *gc.C) *gomock.Controller {
	ctrl := gomock.NewController(c)
	s.dispatcher = NewMockDispatcher(ctrl)
	s.actions = NewMockActionRunner(ctrl)
	return ctrl
}

func (s *localAPISuite) startServer(c *gc.C) (*Server, *Client) {
	listener, err := net.Listen("unix", s.socket)
	c.Assert(err, jc.ErrorIsNil)
	srv, err := NewServer(ServerConfig{
		Listener:   listener,
		Dispatcher: s.dispatcher,
		Actions:    s.actions,
		Status:     s.status,
		Logger:     coretesting.NewCheckLogger(c),
	})
	c.Assert(err, jc.ErrorIsNil)
	return srv, NewClient(s.socket)
}

func (s *localAPISuite) TestValidate(c *gc.C) {
	cfg := ServerConfig{}
	c.Check(cfg.Validate(), gc.ErrorMatches, "nil Listener not valid")
}

func (s *localAPISuite) TestDispatch(c *gc.C) {
	defer s.setupMocks(c).Finish()
	srv, client := s.startServer(c)
	defer workertest.CleanKill(c, srv)

	s.dispatcher.EXPECT().Dispatch(gomock.Any(), event.Event{
		Kind:       event.PeerRelationDeparted,
		RemoteUnit: "mysql/2",
	}).Return(nil)

	err := client.Dispatch(context.Background(), event.Event{
		Kind:       event.PeerRelationDeparted,
		RemoteUnit: "mysql/2",
	})
	c.Assert(err, jc.ErrorIsNil)
}

func (s *localAPISuite) TestDispatchInvalidEvent(c *gc.C) {
	defer s.setupMocks(c).Finish()
	srv, client := s.startServer(c)
	defer workertest.CleanKill(c, srv)

	err := client.Dispatch(context.Background(), event.Event{Kind: "install-mysql"})
	c.Check(err, jc.ErrorIs, errors.NotValid)
	c.Check(err, gc.ErrorMatches, `event kind "install-mysql" not valid`)
}

func (s *localAPISuite) TestDispatchFailure(c *gc.C) {
	defer s.setupMocks(c).Finish()
	srv, client := s.startServer(c)
	defer workertest.CleanKill(c, srv)

	s.dispatcher.EXPECT().Dispatch(gomock.Any(), gomock.Any()).Return(errors.New("handling update-status#4: boom"))

	err := client.Dispatch(context.Background(), event.Event{Kind: event.UpdateStatus})
	c.Check(err, gc.ErrorMatches, "handling update-status#4: boom")
}

func (s *localAPISuite) TestRunAction(c *gc.C) {
	defer s.setupMocks(c).Finish()
	srv, client := s.startServer(c)
	defer workertest.CleanKill(c, srv)

	s.actions.EXPECT().Run(gomock.Any(), "get-password", map[string]any{"username": "root"}).
		Return(map[string]any{"username": "root", "password": "sekrit"}, nil)

	results, err := client.RunAction(context.Background(), "get-password", map[string]any{"username": "root"})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(results, jc.DeepEquals, map[string]any{"username": "root", "password": "sekrit"})
}

func (s *localAPISuite) TestRunActionWithoutParams(c *gc.C) {
	defer s.setupMocks(c).Finish()
	srv, client := s.startServer(c)
	defer workertest.CleanKill(c, srv)

	s.actions.EXPECT().Run(gomock.Any(), "list-backups", map[string]any{}).Return(map[string]any{"backups": ""}, nil)

	results, err := client.RunAction(context.Background(), "list-backups", nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(results, jc.DeepEquals, map[string]any{"backups": ""})
}

func (s *localAPISuite) TestRunActionErrorsKeepTheirType(c *gc.C) {
	defer s.setupMocks(c).Finish()
	srv, client := s.startServer(c)
	defer workertest.CleanKill(c, srv)

	gomock.InOrder(
		s.actions.EXPECT().Run(gomock.Any(), "set-password", gomock.Any()).
			Return(nil, errors.WithType(errors.New(`unit "mysql/1" is not the leader`), databag.ErrNotLeader)),
		s.actions.EXPECT().Run(gomock.Any(), "restore", gomock.Any()).
			Return(nil, errors.NotFoundf("backup %q", "2026-01-01T00:00:00Z")),
	)

	_, err := client.RunAction(context.Background(), "set-password", nil)
	c.Check(err, jc.ErrorIs, databag.ErrNotLeader)
	c.Check(err, gc.ErrorMatches, `unit "mysql/1" is not the leader`)

	_, err = client.RunAction(context.Background(), "restore", map[string]any{"backup-id": "2026-01-01T00:00:00Z"})
	c.Check(err, jc.ErrorIs, errors.NotFound)
	c.Check(err, gc.ErrorMatches, `backup "2026-01-01T00:00:00Z" not found`)
}

func (s *localAPISuite) TestStatus(c *gc.C) {
	defer s.setupMocks(c).Finish()
	srv, client := s.startServer(c)
	defer workertest.CleanKill(c, srv)

	since := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	s.status.info = status.StatusInfo{Status: status.Active, Message: "Primary", Since: &since}

	info, err := client.Status(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(info.Status, gc.Equals, status.Active)
	c.Check(info.Message, gc.Equals, "Primary")
	c.Check(info.Since.Equal(since), jc.IsTrue)
}

func (s *localAPISuite) TestClientWithoutAgent(c *gc.C) {
	client := NewClient(s.socket)
	err := client.Dispatch(context.Background(), event.Event{Kind: event.UpdateStatus})
	c.Check(err, gc.ErrorMatches, "contacting agent: .*")
	c.Check(err, jc.ErrorIs, ErrAgentUnreachable)
}

func (s *localAPISuite) TestKillClosesListener(c *gc.C) {
	defer s.setupMocks(c).Finish()
	srv, client := s.startServer(c)
	workertest.CleanKill(c, srv)

	_, err := client.Status(context.Background())
	c.Check(err, gc.ErrorMatches, "contacting agent: .*")
}

type fakeStatus struct {
	info status.StatusInfo
}

func (f *fakeStatus) Status() (status.StatusInfo, error) {
	return f.info, nil
}
