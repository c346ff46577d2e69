/*
 * Copyright 2018 The CovenantSQL Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package log

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	. "github.com/smartystreets/goconvey/convey"
)

func TestStandardLogger(t *testing.T) {
	Convey("standard logger should honour string levels", t, func() {
		defer SetLevel(InfoLevel)
		SetStringLevel("debug", InfoLevel)
		So(GetLevel(), ShouldEqual, DebugLevel)
		SetStringLevel("not-a-level", WarnLevel)
		So(GetLevel(), ShouldEqual, WarnLevel)
	})
	Convey("error entries should carry a caller field", t, func() {
		var buf bytes.Buffer
		SetOutput(&buf)
		SetFormatter(&logrus.JSONFormatter{})
		defer func() {
			SetOutput(os.Stderr)
			SetFormatter(&logrus.TextFormatter{})
		}()
		WithField("campaign", "c1").WithError(errors.New("boom")).Error("failed")
		So(buf.String(), ShouldContainSubstring, `"campaign":"c1"`)
		So(buf.String(), ShouldContainSubstring, `"caller"`)
		So(buf.String(), ShouldContainSubstring, "logwrapper_test.go")
	})
	Convey("warnings should not carry a caller field", t, func() {
		var buf bytes.Buffer
		SetOutput(&buf)
		defer SetOutput(os.Stderr)
		WithFields(Fields{"op": "release:c1:1"}).Warning("retry")
		So(buf.String(), ShouldContainSubstring, "release:c1:1")
		So(buf.String(), ShouldNotContainSubstring, "caller")
	})
}
