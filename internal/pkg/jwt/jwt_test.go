package jwt

import (
	"errors"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestJWT(t *testing.T) {
	Convey("JWT Token生成与验证", t, func() {
		j := NewJWT("test-secret", time.Hour)

		Convey("生成的Token可以验证并取回Claims", func() {
			token, err := j.GenerateToken("user-1", "alice")
			So(err, ShouldBeNil)
			So(token, ShouldNotBeEmpty)

			claims, err := j.ValidateToken(token)
			So(err, ShouldBeNil)
			So(claims.UserID, ShouldEqual, "user-1")
			So(claims.Username, ShouldEqual, "alice")
		})

		Convey("密钥不匹配验证失败", func() {
			token, err := j.GenerateToken("user-1", "alice")
			So(err, ShouldBeNil)

			other := NewJWT("another-secret", time.Hour)
			_, err = other.ValidateToken(token)
			So(errors.Is(err, ErrInvalidToken), ShouldBeTrue)
		})

		Convey("过期Token返回 ErrExpiredToken", func() {
			expired := NewJWT("test-secret", -time.Minute)
			token, err := expired.GenerateToken("user-1", "alice")
			So(err, ShouldBeNil)

			_, err = expired.ValidateToken(token)
			So(errors.Is(err, ErrExpiredToken), ShouldBeTrue)
		})

		Convey("乱码Token返回 ErrInvalidToken", func() {
			_, err := j.ValidateToken("not.a.token")
			So(errors.Is(err, ErrInvalidToken), ShouldBeTrue)
		})

		Convey("GenerateRefreshToken 生成唯一随机串", func() {
			t1 := GenerateRefreshToken()
			t2 := GenerateRefreshToken()
			So(t1, ShouldNotBeEmpty)
			So(len(t1), ShouldEqual, 64)
			So(t1, ShouldNotEqual, t2)
		})
	})
}
