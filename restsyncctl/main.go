package main


import (
    "context"
    "encoding/json"
    "fmt"
    "os"
    "strings"
    "log"

    "github.com/docopt/docopt-go"
    "golang.org/x/term"

    "github.com/njdancer/restsync"
)


const RestSyncCtlVersion = "0.0.1"


var Out *log.Logger
var Err *log.Logger

func init() {
    Out = log.New(os.Stdout, "", 0)
    Err = log.New(os.Stderr, "", log.Ldate | log.Ltime | log.Lshortfile)
}


func main() {
    usage := `Rest sync control.

Usage:
    restsyncctl list --url=<url> [--jwt=<jwt>]
    restsyncctl get --url=<url> <id> [--jwt=<jwt>]
    restsyncctl create --url=<url> [--jwt=<jwt>] --attr=<kv>...
    restsyncctl set --url=<url> <id> [--jwt=<jwt>] --attr=<kv>...
    restsyncctl delete --url=<url> <id> [--jwt=<jwt>]
    restsyncctl watch --url=<url> --ws_url=<ws_url> [--jwt=<jwt>]
    restsyncctl token-info --jwt=<jwt>

Options:
    -h --help            Show this screen.
    --version            Show version.
    --url=<url>          Resource list endpoint.
    --ws_url=<ws_url>    Websocket endpoint streaming resource lists.
    --jwt=<jwt>          Bearer token. When omitted on a tty, prompted.
    --attr=<kv>          Attribute as name=value. Values parse as json
                         when possible, else as strings.`

    opts, err := docopt.ParseArgs(usage, os.Args[1:], RestSyncCtlVersion)
    if err != nil {
        panic(err)
    }

    if list_, _ := opts.Bool("list"); list_ {
        list(opts)
    } else if get_, _ := opts.Bool("get"); get_ {
        get(opts)
    } else if create_, _ := opts.Bool("create"); create_ {
        create(opts)
    } else if set_, _ := opts.Bool("set"); set_ {
        set(opts)
    } else if delete_, _ := opts.Bool("delete"); delete_ {
        deleteEntity(opts)
    } else if watch_, _ := opts.Bool("watch"); watch_ {
        watch(opts)
    } else if tokenInfo_, _ := opts.Bool("token-info"); tokenInfo_ {
        tokenInfo(opts)
    }
}


func newSet(opts docopt.Opts) *restsync.EntitySet {
    url, _ := opts.String("--url")

    transport := restsync.NewHttpTransportWithDefaults()
    if jwt := resolveJwt(opts); jwt != "" {
        transport.SetByJwt(jwt)
    }

    settings := restsync.DefaultEntitySetSettings()
    settings.Url = url

    return restsync.NewEntitySet(context.Background(), transport, settings)
}


func resolveJwt(opts docopt.Opts) string {
    jwt, _ := opts.String("--jwt")
    if jwt != "" {
        return jwt
    }
    if !term.IsTerminal(int(os.Stdin.Fd())) {
        return ""
    }
    fmt.Print("Bearer token (empty for none): ")
    tokenBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
    fmt.Println()
    if err != nil {
        return ""
    }
    return strings.TrimSpace(string(tokenBytes))
}


func parseAttrs(opts docopt.Opts) restsync.Attributes {
    attributes := restsync.Attributes{}
    kvs, _ := opts["--attr"].([]string)
    for _, kv := range kvs {
        name, valueStr, ok := strings.Cut(kv, "=")
        if !ok {
            Err.Printf("Invalid attribute (%s). Use name=value.", kv)
            os.Exit(1)
        }
        var value any
        if err := json.Unmarshal([]byte(valueStr), &value); err != nil {
            // not json, take the raw string
            value = valueStr
        }
        attributes[name] = value
    }
    return attributes
}


func printJson(value any) {
    out, err := json.MarshalIndent(value, "", "    ")
    if err != nil {
        panic(err)
    }
    Out.Printf("%s", out)
}


func list(opts docopt.Opts) {
    set := newSet(opts)
    defer set.Close()

    operation := set.Fetch()
    <-operation.Done()
    if err := operation.Err(); err != nil {
        Err.Printf("Fetch error (%s).", err)
        os.Exit(1)
    }

    resources := []restsync.Attributes{}
    for _, member := range set.Members() {
        resources = append(resources, member.Attributes())
    }
    printJson(resources)
}


func get(opts docopt.Opts) {
    set := newSet(opts)
    defer set.Close()

    idStr, _ := opts.String("<id>")

    operation := set.Fetch()
    <-operation.Done()
    if err := operation.Err(); err != nil {
        Err.Printf("Fetch error (%s).", err)
        os.Exit(1)
    }

    member := set.Find(idStr)
    if member == nil {
        Err.Printf("Member not found (%s).", idStr)
        os.Exit(1)
    }
    printJson(member.Attributes())
}


func create(opts docopt.Opts) {
    set := newSet(opts)
    defer set.Close()

    attributes := parseAttrs(opts)

    operation := set.Create(attributes)
    <-operation.Done()
    if err := operation.Err(); err != nil {
        Err.Printf("Create error (%s).", err)
        os.Exit(1)
    }
    printJson(operation.Result())
}


func set(opts docopt.Opts) {
    entitySet := newSet(opts)
    defer entitySet.Close()

    idStr, _ := opts.String("<id>")
    attributes := parseAttrs(opts)

    fetchOperation := entitySet.Fetch()
    <-fetchOperation.Done()
    if err := fetchOperation.Err(); err != nil {
        Err.Printf("Fetch error (%s).", err)
        os.Exit(1)
    }

    member := entitySet.Find(idStr)
    if member == nil {
        Err.Printf("Member not found (%s).", idStr)
        os.Exit(1)
    }

    operation := member.Save(attributes)
    <-operation.Done()
    if err := operation.Err(); err != nil {
        Err.Printf("Save error (%s).", err)
        os.Exit(1)
    }
    printJson(member.Attributes())
}


func deleteEntity(opts docopt.Opts) {
    set := newSet(opts)
    defer set.Close()

    idStr, _ := opts.String("<id>")

    fetchOperation := set.Fetch()
    <-fetchOperation.Done()
    if err := fetchOperation.Err(); err != nil {
        Err.Printf("Fetch error (%s).", err)
        os.Exit(1)
    }

    member := set.Find(idStr)
    if member == nil {
        Err.Printf("Member not found (%s).", idStr)
        os.Exit(1)
    }

    operation := member.Destroy()
    <-operation.Done()
    if err := operation.Err(); err != nil {
        Err.Printf("Destroy error (%s).", err)
        os.Exit(1)
    }
    Out.Printf("Destroyed %s.", idStr)
}


func watch(opts docopt.Opts) {
    set := newSet(opts)
    defer set.Close()

    wsUrl, _ := opts.String("--ws_url")

    unsub := set.AddEventCallback(func(event *restsync.SetEvent) {
        for _, entity := range event.Entities {
            Out.Printf("%s %v", event.Type, entity.Id())
        }
    })
    defer unsub()

    subscription := restsync.NewSubscriptionWithDefaults(context.Background(), set, wsUrl)
    defer subscription.Close()

    select {}
}


func tokenInfo(opts docopt.Opts) {
    jwt, _ := opts.String("--jwt")

    byJwt, err := restsync.ParseByJwtUnverified(jwt)
    if err != nil {
        Err.Printf("Invalid jwt (%s).", err)
        os.Exit(1)
    }

    Out.Printf("subject: %s", byJwt.Subject())
    Out.Printf("expired: %t", byJwt.IsExpired())
    printJson(map[string]any(byJwt.Claims))
}
