package config

import (
	"testing"

	"github.com/smartystreets/goconvey/convey"
)

func TestLoadSeed(t *testing.T) {
	convey.Convey("Given a challenge seed file", t, func() {
		convey.Convey("When it is complete", func() {
			path := writeConfigFile(t, `
id: ch-1
name: Alpha
reward_pool: 1000
roadmap: |
  1. Parser
  2. Dataset
repos:
  - id: core
    name: core
    kind: code
  - id: notes
    name: Weekly notes
    kind: document
team:
  - user_id: u1
    name: Ada
    git_handle: ada
tasks:
  - id: t1
    title: Parser
  - id: t2
    title: Lexer
    parent_id: t1
    assignee_id: u1
`)
			seed, err := LoadSeed(path)

			convey.Convey("Then every section is decoded", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(seed.ID, convey.ShouldEqual, "ch-1")
				convey.So(seed.RewardPool, convey.ShouldEqual, 1000)
				convey.So(seed.RoadmapText, convey.ShouldContainSubstring, "2. Dataset")
				convey.So(seed.Repos, convey.ShouldHaveLength, 2)
				convey.So(seed.Repos[1].Kind, convey.ShouldEqual, "document")
				convey.So(seed.Team[0].GitHandle, convey.ShouldEqual, "ada")
				convey.So(seed.Tasks[1].ParentID, convey.ShouldEqual, "t1")
				convey.So(seed.Tasks[1].AssigneeID, convey.ShouldEqual, "u1")
			})
		})

		convey.Convey("When a task references an unknown parent", func() {
			path := writeConfigFile(t, `
id: ch-1
tasks:
  - id: t2
    title: Lexer
    parent_id: t9
`)
			_, err := LoadSeed(path)

			convey.Convey("Then loading fails", func() {
				convey.So(err, convey.ShouldNotBeNil)
				convey.So(err.Error(), convey.ShouldContainSubstring, "t9")
			})
		})

		convey.Convey("When the file is missing", func() {
			_, err := LoadSeed("/nonexistent/seed.yaml")

			convey.Convey("Then loading fails", func() {
				convey.So(err, convey.ShouldNotBeNil)
			})
		})
	})
}
